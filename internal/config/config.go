// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.


// Package config loads settings from defaults, an optional config file and the environment.
package config

import (
	"os"
	"strings"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/mlnoga/nightstack/internal/align"
	"github.com/mlnoga/nightstack/internal/calib"
	"github.com/mlnoga/nightstack/internal/ops/stack"
	"github.com/mlnoga/nightstack/internal/star"
)

// Base name of the config file looked up in the working directory, with extension .yaml or .json
const FileName="nightstack"

// Prefix of environment variables overriding settings, e.g. NIGHTSTACK_STACK_RULE
const EnvPrefix="NIGHTSTACK"

// Settings of the application, backed by viper
type Config struct {
	v *viper.Viper
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("threads", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("align.searchRadius", 8)
	v.SetDefault("align.sensitivity", 5.0)
	v.SetDefault("align.fitGaussian", false)
	v.SetDefault("align.separation", 0.75)
	v.SetDefault("align.floor", 0.25)
	v.SetDefault("align.step", 0.05)
	v.SetDefault("align.missingMapping", "ignore")

	v.SetDefault("stack.rule", "sigma")
	v.SetDefault("stack.sigmaLow", 3.0)
	v.SetDefault("stack.sigmaHigh", 3.0)
	v.SetDefault("stack.maxIterations", 10)

	v.SetDefault("calib.bias", "")
	v.SetDefault("calib.dark", "")
	v.SetDefault("calib.flat", "")
	v.SetDefault("calib.applyBias", true)
	v.SetDefault("calib.applyFlat", true)
	v.SetDefault("calib.ignoreExposureMismatch", false)
	v.SetDefault("calib.ignoreTemperatureMismatch", false)
	v.SetDefault("calib.exposureTolerance", 0.5)
	v.SetDefault("calib.temperatureTolerance", 2.0)
	v.SetDefault("calib.minFlat", 0.01)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.dir", ".")

	v.SetDefault("catalog.driver", "sqlite")
	v.SetDefault("catalog.dsn", "nightstack.db")
}

// Loads settings. If fileName is empty, looks for an optional nightstack.yaml or nightstack.json
// in the working directory. An explicitly named file must exist
func Load(fileName string) (*Config, error) {
	v:=viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fileName!="" {
		v.SetConfigFile(fileName)
		if err:=v.ReadInConfig(); err!=nil { return nil, errors.Wrapf(err, "error reading config file %s", fileName) }
		return &Config{v: v}, nil
	}

	v.SetConfigName(FileName)
	v.AddConfigPath(".")
	if err:=v.ReadInConfig(); err!=nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) { return nil, errors.Wrap(err, "error reading config file") }
	}
	return &Config{v: v}, nil
}

// Settings from defaults only
func Default() *Config {
	v:=viper.New()
	setDefaults(v)
	return &Config{v: v}
}

// Overrides a setting, e.g. from a command line flag
func (c *Config) Set(key string, value interface{}) { c.v.Set(key, value) }

func (c *Config) GetString(key string) string { return c.v.GetString(key) }
func (c *Config) GetInt(key string) int       { return c.v.GetInt(key) }
func (c *Config) GetBool(key string) bool     { return c.v.GetBool(key) }
func (c *Config) GetFloat32(key string) float32 { return float32(c.v.GetFloat64(key)) }

// The config file in use, or empty if none
func (c *Config) File() string { return c.v.ConfigFileUsed() }

// Centroid refinement settings for manual alignment
func (c *Config) Refiner() *star.Refiner {
	return &star.Refiner{
		SearchRadius: int32(c.GetInt("align.searchRadius")),
		Sensitivity:  c.GetFloat32("align.sensitivity"),
		FitGaussian:  c.GetBool("align.fitGaussian"),
	}
}

// Policy for members without coordinate mapping during automatic alignment
func (c *Config) MissingMapping() (align.Policy, error) {
	return align.ParsePolicy(c.GetString("align.missingMapping"))
}

// Initial separation fraction for automatic alignment
func (c *Config) Separation() float32 { return c.GetFloat32("align.separation") }

// Combination rule and parameters
func (c *Config) Stack() (stack.Config, error) {
	rule, err:=stack.ParseRule(c.GetString("stack.rule"))
	if err!=nil { return stack.Config{}, err }
	return stack.Config{
		Rule:          rule,
		SigmaLow:      c.GetFloat32("stack.sigmaLow"),
		SigmaHigh:     c.GetFloat32("stack.sigmaHigh"),
		MaxIterations: c.GetInt("stack.maxIterations"),
	}, nil
}

// Calibration policy and calibration frame file names
func (c *Config) Calibration() calib.Options {
	return calib.Options{
		BiasFile:                  c.GetString("calib.bias"),
		DarkFile:                  c.GetString("calib.dark"),
		FlatFile:                  c.GetString("calib.flat"),
		ApplyBias:                 c.GetBool("calib.applyBias"),
		ApplyFlat:                 c.GetBool("calib.applyFlat"),
		IgnoreExposureMismatch:    c.GetBool("calib.ignoreExposureMismatch"),
		IgnoreTemperatureMismatch: c.GetBool("calib.ignoreTemperatureMismatch"),
		ExposureTolerance:         c.GetFloat32("calib.exposureTolerance"),
		TemperatureTolerance:      c.GetFloat32("calib.temperatureTolerance"),
		MinFlat:                   c.GetFloat32("calib.minFlat"),
	}
}

// Writes the effective settings to a file, format chosen by suffix
func (c *Config) Write(fileName string) error {
	if _, err:=os.Stat(fileName); err==nil { return errors.Errorf("refusing to overwrite %s", fileName) }
	return c.v.WriteConfigAs(fileName)
}
