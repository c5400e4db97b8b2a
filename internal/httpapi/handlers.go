package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tathienbao/exec-gateway/internal/broker"
	"github.com/tathienbao/exec-gateway/internal/journal"
	"github.com/tathienbao/exec-gateway/internal/types"
)

// fail reports a gateway error as 500 with the message as detail.
func (s *Server) fail(c *gin.Context, err error) {
	s.logger.Warn("request failed",
		"path", c.FullPath(),
		"broker", c.Param("broker"),
		"error", err,
	)
	c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
}

// unprocessable reports a malformed request.
func unprocessable(c *gin.Context, err error) {
	c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
}

func (s *Server) backend(c *gin.Context) (broker.Backend, bool) {
	b, err := s.backends.Get(c.Param("broker"))
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return b, true
}

func nativeRef(c *gin.Context) (string, int64, bool) {
	id, err := strconv.ParseInt(c.Param("contractId"), 10, 64)
	if err != nil {
		unprocessable(c, fmt.Errorf("contract id %q is not an integer", c.Param("contractId")))
		return "", 0, false
	}
	return c.Param("exchange"), id, true
}

func bindContract(c *gin.Context) (types.Contract, bool) {
	var ct types.Contract
	if err := c.ShouldBindJSON(&ct); err != nil {
		unprocessable(c, err)
		return types.Contract{}, false
	}
	return ct, true
}

func (s *Server) handleQuote(c *gin.Context) {
	ct, ok := bindContract(c)
	if !ok {
		return
	}
	b, ok := s.backend(c)
	if !ok {
		return
	}
	q, err := b.GetQuote(c.Request.Context(), ct)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (s *Server) handleQuoteByID(c *gin.Context) {
	exchange, id, ok := nativeRef(c)
	if !ok {
		return
	}
	b, ok := s.backend(c)
	if !ok {
		return
	}
	q, err := b.GetQuoteByNativeID(c.Request.Context(), exchange, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (s *Server) handleFills(c *gin.Context) {
	b, ok := s.backend(c)
	if !ok {
		return
	}
	fills, err := b.GetFills(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if fills == nil {
		fills = []types.Fill{}
	}
	c.JSON(http.StatusOK, fills)
}

func (s *Server) handlePlaceOrder(c *gin.Context) {
	var in types.TradeInstruction
	if err := c.ShouldBindJSON(&in); err != nil {
		unprocessable(c, err)
		return
	}
	b, ok := s.backend(c)
	if !ok {
		return
	}
	in.TargetBroker = b.Name()
	orderID, err := b.PlaceOrder(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID})
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	b, ok := s.backend(c)
	if !ok {
		return
	}
	orderID := c.Param("orderId")
	if err := b.CancelOrder(c.Request.Context(), orderID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "status": types.OrderStatusCancelled.String()})
}

// historicalQuery carries the range parameters that may arrive as query
// strings instead of in the body.
type historicalQuery struct {
	Start   time.Time `form:"start_time" time_format:"2006-01-02T15:04:05Z07:00"`
	End     time.Time `form:"end_time" time_format:"2006-01-02T15:04:05Z07:00"`
	BarSize string    `form:"bar_size"`
	UseRTH  *bool     `form:"use_rth"`
}

// decodeHistorical accepts either a full request object or a bare contract
// body with the range supplied as query parameters.
func decodeHistorical(body []byte) (types.HistoricalRequest, error) {
	var req types.HistoricalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return req, err
	}
	if req.Contract != (types.Contract{}) {
		return req, nil
	}
	if err := json.Unmarshal(body, &req.Contract); err != nil {
		return req, err
	}
	return req, nil
}

func (s *Server) handleHistoricalData(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		unprocessable(c, err)
		return
	}
	req, err := decodeHistorical(body)
	if err != nil {
		unprocessable(c, err)
		return
	}
	var q historicalQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		unprocessable(c, err)
		return
	}
	if req.Start.IsZero() {
		req.Start = q.Start
	}
	if req.End.IsZero() {
		req.End = q.End
	}
	if req.BarSize == "" {
		req.BarSize = q.BarSize
	}
	if q.UseRTH != nil {
		req.RegularHoursOnly = *q.UseRTH
	}
	if req.Start.IsZero() || req.End.IsZero() || req.BarSize == "" {
		unprocessable(c, fmt.Errorf("start_time, end_time and bar_size are required"))
		return
	}

	b, ok := s.backend(c)
	if !ok {
		return
	}
	bars, err := b.GetHistoricalData(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	if bars == nil {
		bars = []types.Bar{}
	}
	c.JSON(http.StatusOK, bars)
}

func (s *Server) handleValidateContract(c *gin.Context) {
	ct, ok := bindContract(c)
	if !ok {
		return
	}
	b, ok := s.backend(c)
	if !ok {
		return
	}
	valid, err := b.ValidateContract(c.Request.Context(), ct)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, valid)
}

func (s *Server) handleContractID(c *gin.Context) {
	ct, ok := bindContract(c)
	if !ok {
		return
	}
	b, ok := s.backend(c)
	if !ok {
		return
	}
	id, err := b.GetContractID(c.Request.Context(), ct)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, id)
}

func (s *Server) handleCurrentMinuteBarOpen(c *gin.Context) {
	exchange, id, ok := nativeRef(c)
	if !ok {
		return
	}
	b, ok := s.backend(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	// Resolve the native reference through a quote so both backends see a
	// fully qualified contract.
	q, err := b.GetQuoteByNativeID(ctx, exchange, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	open, err := b.GetCurrentMinuteBarOpen(ctx, q.Contract)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, open)
}

func (s *Server) handleClosePositions(c *gin.Context) {
	b, ok := s.backend(c)
	if !ok {
		return
	}
	result, err := b.CloseAllPositions(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handlePositions(c *gin.Context) {
	b, ok := s.backend(c)
	if !ok {
		return
	}
	positions, err := b.GetPositions(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if positions == nil {
		positions = []types.Position{}
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) handleTrades(c *gin.Context) {
	b, ok := s.backend(c)
	if !ok {
		return
	}
	trades, err := b.GetTrades(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if trades == nil {
		trades = []types.Trade{}
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) handleAccountSummary(c *gin.Context) {
	b, ok := s.backend(c)
	if !ok {
		return
	}
	summary, err := b.GetAccountSummary(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleJournal(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		unprocessable(c, fmt.Errorf("limit must be a positive integer"))
		return
	}
	if limit > 1000 {
		limit = 1000
	}

	ctx := c.Request.Context()
	var entries []journal.Entry
	if strategy := c.Query("strategy"); strategy != "" {
		entries, err = s.journal.ByStrategy(ctx, strategy, limit)
	} else {
		entries, err = s.journal.Recent(ctx, limit)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	c.JSON(http.StatusOK, entries)
}
