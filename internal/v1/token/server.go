package token

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/callkit/internal/v1/auth"
	"github.com/RoseWrightdev/callkit/internal/v1/logging"
	"github.com/RoseWrightdev/callkit/internal/v1/metrics"
	"github.com/RoseWrightdev/callkit/internal/v1/types"
)

// Route patterns served by Server.
const (
	RTMRoute = "/rtm/:userId"
	RTCRoute = "/rtc/:channel/publisher/uid/:uid/"
)

// Server issues tokens over HTTP.
type Server struct {
	signer *auth.Signer
}

// NewServer returns a server that signs with signer.
func NewServer(signer *auth.Signer) *Server {
	return &Server{signer: signer}
}

// RegisterRoutes mounts the token endpoints on r.
func (s *Server) RegisterRoutes(r gin.IRoutes) {
	r.GET(RTMRoute, s.IssueRTM)
	r.GET(RTCRoute, s.IssueRTC)
}

// IssueRTM handles GET /rtm/:userId.
func (s *Server) IssueRTM(c *gin.Context) {
	userID := c.Param("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user id is required"})
		return
	}

	tok, expires, err := s.signer.IssueRTM(userID)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to issue RTM token", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	metrics.TokensIssued.WithLabelValues(string(auth.KindRTM)).Inc()
	logging.Info(c.Request.Context(), "Issued RTM token", zap.String("user_id", userID), zap.String("caller", caller(c)))
	c.JSON(http.StatusOK, gin.H{"rtmToken": tok, "expiresAt": expires.UTC().Format(time.RFC3339)})
}

// IssueRTC handles GET /rtc/:channel/publisher/uid/:uid/.
func (s *Server) IssueRTC(c *gin.Context) {
	channel := c.Param("channel")
	uid, err := strconv.ParseUint(c.Param("uid"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "uid must be an unsigned 32-bit integer"})
		return
	}
	if channel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel is required"})
		return
	}

	tok, expires, err := s.signer.IssueRTC(channel, types.RosterID(uid))
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to issue RTC token", zap.String("channel", channel), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	metrics.TokensIssued.WithLabelValues(string(auth.KindRTC)).Inc()
	logging.Info(c.Request.Context(), "Issued RTC token", zap.String("channel", channel), zap.Uint64("uid", uid), zap.String("caller", caller(c)))
	c.JSON(http.StatusOK, gin.H{"token": tok, "expiresAt": expires.UTC().Format(time.RFC3339)})
}

func caller(c *gin.Context) string {
	if claims, ok := auth.ClaimsFrom(c); ok {
		return claims.Subject
	}
	return "anonymous"
}
