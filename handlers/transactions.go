package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/codingric/receiptbox/models"
	"github.com/codingric/receiptbox/transactions"
	"github.com/gin-gonic/gin"
)

// multipart envelope allowance on top of the receipt itself
const formOverhead = 1 << 20

type TransactionResponse struct {
	ID          uint    `json:"id"`
	Amount      string  `json:"amount"`
	Category    string  `json:"category"`
	Description string  `json:"description"`
	Date        string  `json:"date"`
	Receipt     *string `json:"receipt"`
	ReceiptURL  *string `json:"receipt_url"`
}

// ResolveReceiptURL returns the public address of the receipt attached to t,
// or nil when there is none.
func ResolveReceiptURL(t *models.Transaction) *string {
	if t.Receipt == nil || *t.Receipt == "" {
		return nil
	}
	u := *t.Receipt
	return &u
}

func NewTransactionResponse(t *models.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:          t.ID,
		Amount:      t.Amount.StringFixed(2),
		Category:    t.Category,
		Description: t.Description,
		Date:        t.Date.Format(transactions.DateLayout),
		Receipt:     t.Receipt,
		ReceiptURL:  ResolveReceiptURL(t),
	}
}

type TransactionHandler struct {
	Service        *transactions.Service
	MaxUploadBytes int64
}

func (h *TransactionHandler) Create(c *gin.Context) {
	if h.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUploadBytes+formOverhead)
	}

	var in transactions.CreateInput
	if err := c.ShouldBind(&in); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, &transactions.ValidationError{Fields: map[string]string{
				"receipt": fmt.Sprintf("Ensure this file is no larger than %d bytes.", h.MaxUploadBytes),
			}})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorMessage{Error: err.Error()})
		return
	}

	t, replayed, err := h.Service.Create(c.Request.Context(), currentUser(c), in, c.GetHeader("Idempotency-Key"))
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	c.JSON(status, NewTransactionResponse(t))
}

func (h *TransactionHandler) List(c *gin.Context) {
	q, err := transactions.ParseQuery(c.Request.URL.Query())
	if err != nil {
		respondError(c, err)
		return
	}
	ts, total, err := h.Service.List(c.Request.Context(), currentUser(c), q)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]TransactionResponse, 0, len(ts))
	for i := range ts {
		out = append(out, NewTransactionResponse(&ts[i]))
	}
	c.Header("X-Total-Count", strconv.FormatInt(total, 10))
	c.JSON(http.StatusOK, out)
}

func (h *TransactionHandler) Retrieve(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, transactions.ErrNotFound)
		return
	}
	t, err := h.Service.Get(c.Request.Context(), currentUser(c), uint(id))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewTransactionResponse(t))
}
