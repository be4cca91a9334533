package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strconv"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// JWT
	JWTSecret      string
	JWTExpireHours int

	// API
	APIPort int

	// Sucursal identity
	SucursalName string

	// Storage
	UploadsDir string
	BackupsDir string

	// Sync
	SyncIntervalHours int
	SessionTTLHours   int
	ProbeURL          string

	// Optional offsite FTP for backups
	FTPEnabled  bool
	FTPHost     string
	FTPPort     int
	FTPUsername string
	FTPPassword string
	FTPPath     string
}

// generateSecureSecret generates a cryptographically secure random secret
func generateSecureSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a timestamp-based approach if crypto/rand fails
		return hex.EncodeToString([]byte(os.Getenv("HOSTNAME") + string(rune(length))))
	}
	return hex.EncodeToString(bytes)
}

func Load() *Config {
	// JWT Secret - generate random if not provided
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = generateSecureSecret(32) // 64 character hex string
		log.Println("WARNING: JWT_SECRET not set - generated random secret. Sessions will not persist across restarts.")
	}

	// Database password - warn if using default
	dbPassword := getEnv("DB_PASSWORD", "")
	if dbPassword == "" {
		log.Println("WARNING: DB_PASSWORD not set - this is insecure for production!")
		dbPassword = "changeme"
	}

	// Redis password - warn if using default
	redisPassword := getEnv("REDIS_PASSWORD", "")
	if redisPassword == "" {
		log.Println("WARNING: REDIS_PASSWORD not set - Redis is not secured!")
	}

	sucursalName := getEnv("SUCURSAL_NAME", "")
	if sucursalName == "" {
		log.Println("WARNING: SUCURSAL_NAME not set - this server will identify itself as 'principal'")
		sucursalName = "principal"
	}

	return &Config{
		// Database
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "gestordoc"),
		DBPassword: dbPassword,
		DBName:     getEnv("DB_NAME", "gestordoc"),

		// Redis
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnvInt("REDIS_PORT", 6379),
		RedisPassword: redisPassword,

		// JWT
		JWTSecret:      jwtSecret,
		JWTExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 168), // 7 days default

		// API
		APIPort: getEnvInt("API_PORT", 8080),

		// Sucursal identity
		SucursalName: sucursalName,

		// Storage
		UploadsDir: getEnv("UPLOADS_DIR", "/var/lib/gestordoc/uploads"),
		BackupsDir: getEnv("BACKUPS_DIR", "/var/backups/gestordoc"),

		// Sync
		SyncIntervalHours: getEnvInt("SYNC_INTERVAL_HOURS", 12),
		SessionTTLHours:   getEnvInt("UPLOAD_SESSION_TTL_HOURS", 24),
		ProbeURL:          getEnv("CONNECTIVITY_PROBE_URL", "https://www.google.com/generate_204"),

		// FTP offsite
		FTPEnabled:  getEnv("BACKUP_FTP_HOST", "") != "",
		FTPHost:     getEnv("BACKUP_FTP_HOST", ""),
		FTPPort:     getEnvInt("BACKUP_FTP_PORT", 21),
		FTPUsername: getEnv("BACKUP_FTP_USER", ""),
		FTPPassword: getEnv("BACKUP_FTP_PASSWORD", ""),
		FTPPath:     getEnv("BACKUP_FTP_PATH", "/gestordoc"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
