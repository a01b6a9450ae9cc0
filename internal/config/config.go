package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr    string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath      string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath  string `envconfig:"DATABASE_PATH" default:"/app/data/termgate.db"`
	LogPath       string `envconfig:"LOG_PATH" default:""`
	BootstrapFile string `envconfig:"BOOTSTRAP_FILE" default:""`

	// Terminal settings
	SSHConnectTimeout string `envconfig:"SSH_CONNECT_TIMEOUT" default:"30s"`
	GeometryGrace     string `envconfig:"GEOMETRY_GRACE" default:"2s"`
	DefaultRows       int    `envconfig:"DEFAULT_ROWS" default:"50"`
	DefaultCols       int    `envconfig:"DEFAULT_COLS" default:"200"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("TERMGATE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
