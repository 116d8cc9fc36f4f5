package http

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dkeye/Gatherly/internal/adapters/signal"
	"github.com/dkeye/Gatherly/internal/config"
	"github.com/dkeye/Gatherly/internal/core"
	"github.com/dkeye/Gatherly/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const sessionNameKey = "name"

// RoomLister is the read side of the registry exposed over REST.
type RoomLister interface {
	List() []core.RoomInfo
	Members(roomID domain.RoomID) ([]domain.Member, bool)
}

func genClientToken() string {
	return uuid.NewString()
}

func hasIndex(dir string) bool {
	if dir == "" {
		return false
	}
	fi, err := os.Stat(filepath.Join(dir, "index.html"))
	return err == nil && !fi.IsDir()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, rooms RoomLister, ctrl *signal.SignalWSController) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("GatherlySessions", store))
	r.Use(ClientTokenMiddleware())

	// The relay ships no web client; static_path mounts one when deployed.
	if hasIndex(cfg.StaticPath) {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(filepath.Join(cfg.StaticPath, "index.html"))
		})
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		client := signal.Client{
			Token: c.GetString("client_token"),
			Name:  sessionName(c),
		}
		log.Info().Str("module", "adapters.http").Str("token", client.Token).Msg("ws signal endpoint hit")
		ctrl.ServeWS(ctx, c.Writer, c.Request, client)
	})

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": rooms.List()})
	})

	api.GET("/rooms/:id/members", func(c *gin.Context) {
		id, err := domain.ParseRoomID(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		members, ok := rooms.Members(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"room": id, "members": members})
	})

	api.GET("/profile", func(c *gin.Context) {
		c.JSON(http.StatusOK, ProfileRequest{Name: sessionName(c)})
	})
	api.POST("/profile", handleProfile)

	return r
}

type ProfileRequest struct {
	Name string `json:"name"`
}

// handleProfile stores the preferred display name used when join-room
// carries none.
func handleProfile(c *gin.Context) {
	var req ProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid name"})
		return
	}
	name, err := domain.NormalizeName(req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s := sessions.Default(c)
	s.Set(sessionNameKey, name)
	if err := s.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("session save")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session"})
		return
	}
	c.JSON(http.StatusOK, ProfileRequest{Name: name})
}

func sessionName(c *gin.Context) string {
	name, _ := sessions.Default(c).Get(sessionNameKey).(string)
	return name
}
