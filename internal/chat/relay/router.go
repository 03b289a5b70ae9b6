package relay

import "github.com/gin-gonic/gin"

// SetupRoutes configures the chat API routes on the router.
func SetupRoutes(router *gin.Engine, handler *Handler) {
	api := router.Group("/api")
	{
		chat := api.Group("/chat")
		{
			chat.POST("", handler.StreamChat)
			chat.GET("/messages", handler.GetMessages)
			chat.POST("/permissions/respond", handler.RespondPermission)
		}

		api.GET("/health", handler.Health)
	}

	router.GET("/ws", handler.HandleWebSocket)
}
