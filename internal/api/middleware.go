package api

import (
	"strings"
	"time"

	"featherdb/internal/engine"
	"featherdb/internal/failure"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const clientKey = "featherdb.client"

// ActorOptions — как определить вызывающего.
type ActorOptions struct {
	// JWTSecret — ключ HS256; пусто — заголовок X-User без проверки (разработка).
	JWTSecret   string
	DefaultUser string
}

// Claims — утверждения токена: sub — пользователь, sid — сессия.
type Claims struct {
	Privileged bool   `json:"privileged,omitempty"`
	SessionID  string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// Actor кладёт engine.Client в контекст запроса.
func Actor(opts ActorOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		client, err := resolveClient(c, opts)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Set(clientKey, client)
		c.Next()
	}
}

func resolveClient(c *gin.Context, opts ActorOptions) (engine.Client, error) {
	header := c.GetHeader("Authorization")
	if opts.JWTSecret == "" {
		user := strings.TrimSpace(c.GetHeader("X-User"))
		if user == "" {
			user = opts.DefaultUser
		}
		if user == "" {
			return engine.Client{}, failure.Unauthorized.New("missing X-User")
		}
		return engine.Client{User: user, SessionID: c.GetHeader("X-Session")}, nil
	}

	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		if opts.DefaultUser != "" {
			return engine.Client{User: opts.DefaultUser}, nil
		}
		return engine.Client{}, failure.Unauthorized.New("missing token")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(header[7:], claims, func(t *jwt.Token) (any, error) {
		return []byte(opts.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return engine.Client{}, failure.Unauthorized.New("invalid token")
	}
	if claims.Subject == "" {
		return engine.Client{}, failure.Unauthorized.New("token has no subject")
	}
	return engine.Client{User: claims.Subject, Privileged: claims.Privileged, SessionID: claims.SessionID}, nil
}

func clientOf(c *gin.Context) engine.Client {
	v, _ := c.Get(clientKey)
	client, _ := v.(engine.Client)
	return client
}

// RequestLog пишет строку журнала на каждый HTTP-запрос.
func RequestLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("actor", clientOf(c).User),
		}
		switch {
		case c.Writer.Status() >= 500:
			log.Error("http", fields...)
		case c.Writer.Status() >= 400:
			log.Warn("http", fields...)
		default:
			log.Debug("http", fields...)
		}
	}
}
