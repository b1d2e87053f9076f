package config

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
)

const envPrefix = "IBD"

// Config est la configuration du process (pas les réglages utilisateur).
type Config struct {
	Addr        string `mapstructure:"addr"`
	DBPath      string `mapstructure:"db_path"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisPrefix string `mapstructure:"redis_prefix"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	ReplicaID   string `mapstructure:"replica_id"`
	ConfigFile  string `mapstructure:"config_file"`
	LogLevel    string `mapstructure:"log_level"`

	// Settings est la table [settings] du fichier, appliquée par-dessus les réglages persistés.
	Settings map[string]any `mapstructure:"settings"`
}

func Default() Config {
	return Config{
		Addr:        "127.0.0.1:8080",
		DBPath:      "ibd.db",
		RedisPrefix: "ibd:",
		LogLevel:    "info",
	}
}

// Loader lit .env, l'environnement (IBD_*) puis un fichier optionnel (TOML, YAML, JSON).
type Loader struct {
	logger   zerolog.Logger
	v        *viper.Viper
	envFiles []string

	mu sync.Mutex
}

func NewLoader(logger zerolog.Logger, envFiles ...string) *Loader {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	return &Loader{logger: logger, v: viper.New(), envFiles: envFiles}
}

func (l *Loader) Load() (Config, error) {
	if err := godotenv.Load(l.envFiles...); err != nil {
		l.logger.Debug().Msg("no .env file found, proceeding with environment")
	}

	v := l.v
	def := Default()
	v.SetDefault("addr", def.Addr)
	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_prefix", def.RedisPrefix)
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("replica_id", "")
	v.SetDefault("config_file", "")
	v.SetDefault("log_level", def.LogLevel)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("ibd")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
	} else {
		l.logger.Info().Str("file", v.ConfigFileUsed()).Msg("config file loaded")
	}

	return l.decode()
}

func (l *Loader) decode() (Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.ConfigFile = l.v.ConfigFileUsed()
	return cfg, nil
}

// Watch rappelle fn à chaque modification du fichier de config (sans effet sans fichier).
func (l *Loader) Watch(fn func(Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.logger.Info().Str("file", e.Name).Msg("config file changed")
		cfg, err := l.decode()
		if err != nil {
			l.logger.Error().Err(err).Msg("config reload failed")
			return
		}
		fn(cfg)
	})
	l.v.WatchConfig()
}

// ApplySettings superpose la table [settings] du fichier sur cur.
// Viper met les clés en minuscules: le décodage JSON, insensible à la casse,
// retrouve les champs, et les clés de priorité reprennent la casse existante.
func (c Config) ApplySettings(cur domain.Settings) (domain.Settings, error) {
	if len(c.Settings) == 0 {
		return cur, nil
	}
	fields := make(map[string]any, len(c.Settings))
	var priority any
	for k, v := range c.Settings {
		if strings.EqualFold(k, "priority") {
			priority = v
			continue
		}
		fields[k] = v
	}

	// Copie profonde: cur peut partager ses maps avec un cache.
	base, err := json.Marshal(cur)
	if err != nil {
		return cur, err
	}
	var next domain.Settings
	if err := json.Unmarshal(base, &next); err != nil {
		return cur, err
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return cur, err
	}
	if err := json.Unmarshal(raw, &next); err != nil {
		return cur, err
	}
	if priority != nil {
		raw, err := json.Marshal(priority)
		if err != nil {
			return cur, err
		}
		var add map[string]int
		if err := json.Unmarshal(raw, &add); err != nil {
			return cur, err
		}
		next.Priority = foldKeys(next.Priority, add)
	}
	return next, nil
}

// foldKeys fusionne add dans base en réutilisant la casse des clés déjà présentes.
func foldKeys(base, add map[string]int) map[string]int {
	if base == nil && add == nil {
		return nil
	}
	out := make(map[string]int, len(base)+len(add))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range add {
		key := k
		for existing := range base {
			if strings.EqualFold(existing, k) {
				key = existing
				break
			}
		}
		out[key] = v
	}
	return out
}

// LookupEnv est exposé pour les binaires (ex: IBD_URL côté CLI).
func LookupEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
