package routes

import (
	"chatshard/api/handlers"
	"chatshard/api/middleware"
	"chatshard/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func PublicApi(router *gin.Engine, facade *services.DbFacade) {
	router.Use(middleware.PrometheusMiddleware("chatshard"))

	h := handlers.New(facade)

	router.POST("/user/register", h.UserRegister)
	router.GET("/user/:username", h.UserGet)

	router.POST("/transfer", h.Transfer)

	router.POST("/dialog/send", h.SendMessage)
	router.GET("/dialog/list", h.ListMessages)

	router.GET("/ws", h.WSConnect)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
