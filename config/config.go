// Package config loads the renderer settings from the per-user
// configuration file, creating it with defaults on first run. Command
// line flags override whatever the file holds.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Config mirrors the command line switches so regular setups need no
// flags at all.
type Config struct {
	Name string `json:"name"`
	Bind string `json:"bind"`
	Port int    `json:"port"`

	PlayerCommand []string `json:"player_command"`
	RotateCommand []string `json:"rotate_command"`

	Minimize            bool   `json:"minimize"`
	FullScreen          bool   `json:"fullscreen"`
	RotateJpeg          string `json:"rotate_jpeg"`
	HideMKVFromWMP      bool   `json:"wmpdmc_no_mkv"`
	TrustController     bool   `json:"trust_controller"`
	SearchSubtitles     bool   `json:"search_subtitles"`
	ProxyRangeRejecting bool   `json:"part_req_intermediate"`

	Verbosity int `json:"verbosity"`
}

// Default returns the settings a fresh install starts with.
func Default() *Config {
	return &Config{
		Name:          "dmrender",
		Port:          8000,
		PlayerCommand: []string{"mplayer", "-slave", "-quiet", "-idle", "-noautosub"},
		RotateCommand: []string{"jpegtran", "-rotate"},
		RotateJpeg:    "n",
	}
}

// GetAppConfig reads the settings file, writing the defaults first if
// it does not exist yet.
func GetAppConfig() (*Config, error) {
	path, err := appPath()
	if err != nil {
		return nil, errors.Wrap(err, "GetAppConfig config path")
	}

	cfgfile, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			conf := Default()
			if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
				return nil, errors.Wrap(err, "GetAppConfig create config dir")
			}
			b, err := json.MarshalIndent(conf, "", "  ")
			if err != nil {
				return nil, errors.Wrap(err, "GetAppConfig encode defaults")
			}
			if err := os.WriteFile(path, b, 0644); err != nil {
				return nil, errors.Wrap(err, "GetAppConfig write defaults")
			}
			return conf, nil
		}
		return nil, errors.Wrap(err, "GetAppConfig open config")
	}
	defer cfgfile.Close()

	conf := Default()
	if err := json.NewDecoder(cfgfile).Decode(conf); err != nil {
		return nil, errors.Wrap(err, "GetAppConfig decode config")
	}
	return conf, nil
}

func appPath() (string, error) {
	oscfg, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "appPath user config dir")
	}
	return filepath.Join(oscfg, "dmrender", "settings.json"), nil
}
