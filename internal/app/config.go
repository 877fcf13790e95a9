package app

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	HTTPAddr           string
	BaseURL            string // external URL handed to the bot in session links
	UploadsDir         string
	PublicDir          string
	AllowedOrigins     []string
	Env                string
	LogLevel           string
	LogFormat          string
	FFMPEGPath         string
	FFProbePath        string
	MongoURI           string // empty = session archive disabled
	MongoDatabase      string
	MaxClients         int
	MaxRoomBandwidthMb int // aggregate admission cap in Mbps
}

func LoadConfig() Config {
	port := getEnv("PORT", "3000")
	return Config{
		HTTPAddr:           ":" + strings.TrimPrefix(port, ":"),
		BaseURL:            strings.TrimRight(getEnv("BASE_URL", "http://localhost:"+strings.TrimPrefix(port, ":")), "/"),
		UploadsDir:         getEnv("UPLOADS_DIR", "uploads"),
		PublicDir:          getEnv("PUBLIC_DIR", "public"),
		AllowedOrigins:     splitCSV(getEnv("ALLOWED_ORIGINS", "")),
		Env:                strings.ToLower(getEnv("APP_ENV", "development")),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "text")),
		FFMPEGPath:         getEnv("FFMPEG_PATH", "ffmpeg"),
		FFProbePath:        getEnv("FFPROBE_PATH", "ffprobe"),
		MongoURI:           getEnv("MONGO_URI", ""),
		MongoDatabase:      getEnv("MONGO_DB", "watchparty"),
		MaxClients:         int(getEnvInt64("MAX_CLIENTS", 10)),
		MaxRoomBandwidthMb: int(getEnvInt64("MAX_ROOM_BANDWIDTH_MBPS", 150)),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func splitCSV(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			out = append(out, item)
		}
	}
	return out
}
