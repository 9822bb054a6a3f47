package handlers

import (
	"net/http"

	"chatshard/services"

	"github.com/gin-gonic/gin"
)

type TransferRequest struct {
	From   string `json:"from" binding:"required"`
	To     string `json:"to" binding:"required"`
	Amount int64  `json:"amount" binding:"required"`
}

func transferStatusCode(status services.TransferStatus) int {
	switch status {
	case services.TransferOK:
		return http.StatusOK
	case services.TransferPartial:
		// перевод подтвержден глобально, но применение на шарде не прошло
		return http.StatusAccepted
	case services.TransferRejected:
		return http.StatusBadRequest
	case services.TransferNotFound:
		return http.StatusNotFound
	case services.TransferInsufficient:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (h *Handlers) Transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	res := h.Facade.TransferMoney(c.Request.Context(), req.From, req.To, req.Amount)
	body := gin.H{"status": res.Status}
	if res.TxID != "" {
		body["tx_id"] = res.TxID
	}
	c.JSON(transferStatusCode(res.Status), body)
}
