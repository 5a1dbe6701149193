/*
CardBridge
Copyright (C) 2024 The CardBridge Authors

This file is part of CardBridge.

CardBridge is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

CardBridge is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with CardBridge.  If not, see <http://www.gnu.org/licenses/>.
*/

package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/ini.v1"
)

const (
	UserConfigEnv = "CARDBRIDGE_CONFIG"
	PortEnv       = "PORT"
	BindIPEnv     = "BIND_IP"
)

type CardBridgeConfig struct {
	Debug          bool `ini:"debug"`
	ConsoleLogging bool `ini:"console_logging"`
	TimeoutMs      int  `ini:"timeout_ms"`
}

type ApiConfig struct {
	Port   int    `ini:"port"`
	BindIP string `ini:"bind_ip"`
}

type ReadersConfig struct {
	Pcsc       bool     `ini:"pcsc"`
	Serial     bool     `ini:"serial"`
	SerialVid  string   `ini:"serial_vid"`
	SerialPid  string   `ini:"serial_pid"`
	SerialPath []string `ini:"serial_path,omitempty,allowshadow"`
}

type UserConfig struct {
	mu         sync.RWMutex
	IniPath    string           `ini:"-"`
	CardBridge CardBridgeConfig `ini:"cardbridge"`
	Api        ApiConfig        `ini:"api"`
	Readers    ReadersConfig    `ini:"readers"`
}

func DefaultConfig() *UserConfig {
	return &UserConfig{
		CardBridge: CardBridgeConfig{
			TimeoutMs: DefaultTimeoutMs,
		},
		Api: ApiConfig{
			Port:   DefaultPort,
			BindIP: DefaultBindIP,
		},
		Readers: ReadersConfig{
			Pcsc:      true,
			Serial:    true,
			SerialVid: DefaultSerialVid,
			SerialPid: DefaultSerialPid,
		},
	}
}

func (c *UserConfig) GetDebug() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.CardBridge.Debug
}

func (c *UserConfig) SetDebug(debug bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CardBridge.Debug = debug
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func (c *UserConfig) GetConsoleLogging() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.CardBridge.ConsoleLogging
}

func (c *UserConfig) SetConsoleLogging(consoleLogging bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CardBridge.ConsoleLogging = consoleLogging
}

// GetTimeout returns the deadline for a single reader operation.
func (c *UserConfig) GetTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.CardBridge.TimeoutMs <= 0 {
		return DefaultTimeoutMs * time.Millisecond
	}
	return time.Duration(c.CardBridge.TimeoutMs) * time.Millisecond
}

func (c *UserConfig) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CardBridge.TimeoutMs = int(timeout / time.Millisecond)
}

// GetPort returns the API port. The PORT environment variable takes
// precedence over the config file.
func (c *UserConfig) GetPort() int {
	if env := os.Getenv(PortEnv); env != "" {
		port, err := strconv.Atoi(env)
		if err == nil && port > 0 && port < 65536 {
			return port
		}
		log.Warn().Msgf("invalid %s value, ignoring: %s", PortEnv, env)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Api.Port <= 0 {
		return DefaultPort
	}
	return c.Api.Port
}

func (c *UserConfig) SetPort(port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Api.Port = port
}

// GetBindIP returns the address the API listens on. The BIND_IP environment
// variable takes precedence over the config file.
func (c *UserConfig) GetBindIP() string {
	if env := os.Getenv(BindIPEnv); env != "" {
		return env
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Api.BindIP == "" {
		return DefaultBindIP
	}
	return c.Api.BindIP
}

func (c *UserConfig) SetBindIP(bindIP string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Api.BindIP = bindIP
}

func (c *UserConfig) GetPcscEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Readers.Pcsc
}

func (c *UserConfig) SetPcscEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Readers.Pcsc = enabled
}

func (c *UserConfig) GetSerialEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Readers.Serial
}

func (c *UserConfig) SetSerialEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Readers.Serial = enabled
}

// GetSerialId returns the USB vendor and product id of the serial reader,
// lower case to match enumerator output.
func (c *UserConfig) GetSerialId() (string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return strings.ToLower(c.Readers.SerialVid), strings.ToLower(c.Readers.SerialPid)
}

func (c *UserConfig) SetSerialId(vid string, pid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Readers.SerialVid = vid
	c.Readers.SerialPid = pid
}

func (c *UserConfig) GetSerialPath() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Readers.SerialPath
}

func (c *UserConfig) SetSerialPath(paths []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Readers.SerialPath = paths
}

func (c *UserConfig) LoadConfig() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg, err := ini.ShadowLoad(c.IniPath)
	if err != nil {
		return err
	}

	err = cfg.StrictMapTo(c)
	if err != nil {
		return err
	}

	if c.CardBridge.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	return nil
}

func (c *UserConfig) SaveConfig() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg := ini.Empty()

	ini.PrettyEqual = true
	ini.PrettyFormat = false

	err := cfg.ReflectFrom(c)
	if err != nil {
		return err
	}

	err = cfg.SaveTo(c.IniPath)
	if err != nil {
		return err
	}

	return nil
}

// NewUserConfig loads the config at iniPath, falling back to the
// CARDBRIDGE_CONFIG environment variable and then to a file next to the
// executable. A missing file is created from defaultConfig.
func NewUserConfig(iniPath string, defaultConfig *UserConfig) (*UserConfig, error) {
	if iniPath == "" {
		iniPath = os.Getenv(UserConfigEnv)
	}

	if iniPath == "" {
		exePath, err := os.Executable()
		if err != nil {
			return defaultConfig, err
		}
		iniPath = filepath.Join(filepath.Dir(exePath), AppName+".ini")
	}

	defaultConfig.IniPath = iniPath

	if _, err := os.Stat(iniPath); os.IsNotExist(err) {
		// create a blank one on disk
		err := defaultConfig.SaveConfig()
		if err != nil {
			log.Error().Err(err).Msg("failed to save new user config to disk")
			return defaultConfig, err
		}

		return defaultConfig, nil
	}

	err := defaultConfig.LoadConfig()
	if err != nil {
		log.Error().Err(err).Msg("failed to load user config")
		return defaultConfig, err
	}

	return defaultConfig, nil
}
