//go:build mage

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

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

var (
	cwd, _         = os.Getwd()
	binDir         = filepath.Join(cwd, "_bin")
	binReleasesDir = filepath.Join(binDir, "releases")
	appPath        = filepath.Join(cwd, "cmd", "cardbridge")
)

type target struct {
	goos   string
	goarch string
	goarm  string
	// cross compiling needs a C toolchain for pcsclite
	cc string
}

var targets = map[string]target{
	"linux_amd64":   {goos: "linux", goarch: "amd64"},
	"linux_arm64":   {goos: "linux", goarch: "arm64", cc: "aarch64-linux-gnu-gcc"},
	"linux_arm":     {goos: "linux", goarch: "arm", goarm: "7", cc: "arm-linux-gnueabihf-gcc"},
	"darwin_arm64":  {goos: "darwin", goarch: "arm64"},
	"windows_amd64": {goos: "windows", goarch: "amd64", cc: "x86_64-w64-mingw32-gcc"},
}

func binName(t target) string {
	if t.goos == "windows" {
		return "cardbridge.exe"
	}
	return "cardbridge"
}

func cleanPlatform(name string) {
	_ = sh.Rm(filepath.Join(binDir, name))
}

func Clean() {
	_ = sh.Rm(binDir)
}

func buildTarget(name string, t target) error {
	env := map[string]string{
		"CGO_ENABLED": "1",
		"GOOS":        t.goos,
		"GOARCH":      t.goarch,
	}
	if t.goarm != "" {
		env["GOARM"] = t.goarm
	}
	if t.cc != "" && name != runtime.GOOS+"_"+runtime.GOARCH {
		env["CC"] = t.cc
	}

	out := filepath.Join(binDir, name, binName(t))
	return sh.RunWithV(env, "go", "build", "-trimpath", "-ldflags", "-s -w", "-o", out, appPath)
}

// Build compiles the service for a platform, "native" or "all".
func Build(platform string) error {
	if platform == "native" {
		platform = runtime.GOOS + "_" + runtime.GOARCH
	}

	if platform == "all" {
		mg.Deps(Clean)
		for name, t := range targets {
			fmt.Println("Building", name)
			if err := buildTarget(name, t); err != nil {
				return err
			}
		}
		return nil
	}

	t, ok := targets[platform]
	if !ok {
		var names []string
		for name := range targets {
			names = append(names, name)
		}
		return fmt.Errorf("unknown platform %s, expected one of: native, all, %s", platform, strings.Join(names, ", "))
	}

	cleanPlatform(platform)
	return buildTarget(platform, t)
}

// Release builds a platform and packs it into a tarball with the systemd
// units.
func Release(platform string) error {
	if err := Build(platform); err != nil {
		return err
	}

	if err := os.MkdirAll(binReleasesDir, 0755); err != nil {
		return err
	}

	archive := filepath.Join(binReleasesDir, "cardbridge_"+platform+".tar.gz")
	return sh.RunV(
		"tar", "-czf", archive,
		"-C", filepath.Join(binDir, platform), ".",
		"-C", filepath.Join(cwd, "scripts", "systemd"), ".",
	)
}

func Test() {
	_ = sh.RunV("go", "test", "./...")
}

func Coverage() {
	_ = sh.RunV("go", "test", "-coverprofile", "coverage.out", "./...")
	_ = sh.RunV("go", "tool", "cover", "-html", "coverage.out")
	_ = sh.Rm("coverage.out")
}
