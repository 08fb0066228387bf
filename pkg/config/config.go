// Package config loads the daemon's configuration: viper reads a default
// file and merges an optional environment-specific overlay, then the
// result is unmarshaled into a typed struct.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"gnbgo/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// LogLevels holds the per-sink and per-component log thresholds
// (console, file, udp, core, pf, main, node, index, index_service,
// detect). Keeping them in one map avoids ten nearly-identical struct
// fields and lets --verbose/--trace raise every threshold uniformly.
type LogLevels map[string]int

// Conf holds every recognized daemon option. Field names follow the
// option names so the mapstructure tags stay a direct transliteration.
type Conf struct {
	MTU                int  `mapstructure:"mtu" json:"mtu"`
	LiteMode           bool `mapstructure:"lite_mode" json:"lite_mode"`
	PublicIndexService bool `mapstructure:"public_index_service" json:"public_index_service"`

	PFWorkerNum      int  `mapstructure:"pf_worker_num" json:"pf_worker_num"`
	PayloadBlockSize int  `mapstructure:"payload_block_size" json:"payload_block_size"`
	SafeIndex        bool `mapstructure:"safe_index" json:"safe_index"`

	ActivateTun            bool `mapstructure:"activate_tun" json:"activate_tun"`
	ActivateIndexWorker    bool `mapstructure:"activate_index_worker" json:"activate_index_worker"`
	ActivateNodeWorker     bool `mapstructure:"activate_node_worker" json:"activate_node_worker"`
	ActivateDetectWorker   bool `mapstructure:"activate_detect_worker" json:"activate_detect_worker"`
	ActivateIndexSvcWorker bool `mapstructure:"activate_index_service_worker" json:"activate_index_service_worker"`

	ComponentLogLevels LogLevels `mapstructure:"component_log_levels" json:"component_log_levels"`

	Daemon bool `mapstructure:"daemon" json:"daemon"`
	Quiet  bool `mapstructure:"quiet" json:"quiet"`

	LogPath            string `mapstructure:"log_path" json:"log_path"`
	LogUDPSockAddress4 string `mapstructure:"log_udp_sockaddress4_string" json:"log_udp_sockaddress4_string"`
	LogUDPType         string `mapstructure:"log_udp_type" json:"log_udp_type"`

	IfName string `mapstructure:"ifname" json:"ifname"`
	IfDrv  string `mapstructure:"if_drv" json:"if_drv"`

	ConfDir   string `mapstructure:"conf_dir" json:"conf_dir"`
	BinaryDir string `mapstructure:"binary_dir" json:"binary_dir"`
	MapFile   string `mapstructure:"map_file" json:"map_file"`

	UDP4Ports     []int `mapstructure:"udp4_ports" json:"udp4_ports"`
	UDP6Ports     []int `mapstructure:"udp6_ports" json:"udp6_ports"`
	UDP4SocketNum int   `mapstructure:"udp4_socket_num" json:"udp4_socket_num"`
	UDP6SocketNum int   `mapstructure:"udp6_socket_num" json:"udp6_socket_num"`

	LivenessWindowSeconds int `mapstructure:"liveness_window_seconds" json:"liveness_window_seconds"`
	RekeyTickSeconds      int `mapstructure:"rekey_tick_seconds" json:"rekey_tick_seconds"`

	IndexAddress  string `mapstructure:"index_address" json:"index_address"`
	CompressLevel int    `mapstructure:"compress_level" json:"compress_level"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Conf

// defaults: a modest MTU, no parallel pf workers unless asked for, and
// the fallback rekey/liveness windows.
func defaults() {
	viper.SetDefault("mtu", 1400)
	viper.SetDefault("pf_worker_num", 0)
	viper.SetDefault("payload_block_size", 4096)
	viper.SetDefault("activate_tun", true)
	viper.SetDefault("activate_node_worker", true)
	viper.SetDefault("activate_detect_worker", true)
	viper.SetDefault("udp4_socket_num", 1)
	viper.SetDefault("udp6_socket_num", 0)
	viper.SetDefault("liveness_window_seconds", 90)
	viper.SetDefault("rekey_tick_seconds", 300)
}

// Load reads the default configuration file and merges an optional
// environment-specific overlay.
func Load(env string) (*Conf, error) {
	defaults()
	viper.SetConfigName("default")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("gnbgo")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the GNBGO_ENV environment
// variable to pick the overlay file.
func LoadFromEnv() (*Conf, error) {
	return Load(utils.EnvOrDefault("GNBGO_ENV", ""))
}

// RaiseVerbosity implements the --verbose/--trace CLI behavior: both
// flags globally raise every log-level threshold (2 for verbose, 3 for
// trace) rather than only the requesting component's.
func (c *Conf) RaiseVerbosity(level int) {
	if c.ComponentLogLevels == nil {
		c.ComponentLogLevels = make(LogLevels)
	}
	for _, component := range []string{"console", "file", "udp", "core", "pf", "main", "node", "index", "index_service", "detect"} {
		if cur := c.ComponentLogLevels[component]; level > cur {
			c.ComponentLogLevels[component] = level
		}
	}
}
