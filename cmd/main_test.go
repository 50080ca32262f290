// cmd/main_test.go

package main

import (
	"testing"

	"PhotonDNS/core/model"

	"github.com/stretchr/testify/assert"
)

func TestBuildStartArgs(t *testing.T) {
	saved := cliConfig
	t.Cleanup(func() { cliConfig = saved })

	cliConfig = CLIConfig{Daemon: true, ConfigPath: DefaultConfigPath, PIDFile: DefaultPIDFile, LogDir: "log"}
	normalizeModes()
	assert.Equal(t, []string{"-d", "--log-file"}, buildStartArgs())

	cliConfig = CLIConfig{ConfigPath: "/etc/photondns.conf", PIDFile: "/run/photondns.pid", LogDir: "log"}
	normalizeModes()
	assert.Equal(t, []string{"-f", "-c", "/etc/photondns.conf", "-p", "/run/photondns.pid", "--log-stdout"}, buildStartArgs())
}

func TestSelectProfiles(t *testing.T) {
	a := model.NewDNSServerProfile("a", "A", "10.0.0.1", "")
	b := model.NewDNSServerProfile("b", "B", "10.0.0.2", "")
	c := model.NewDNSServerProfile("c", "C", "10.0.0.3", "")
	b.SetEnabled(false)
	all := []*model.DNSServerProfile{a, b, c}

	t.Run("默认取启用的解析器", func(t *testing.T) {
		assert.Equal(t, []*model.DNSServerProfile{a, c}, selectProfiles(all, nil))
	})

	t.Run("指定ID时包含已禁用的解析器", func(t *testing.T) {
		assert.Equal(t, []*model.DNSServerProfile{b}, selectProfiles(all, []string{"b", "missing"}))
	})
}
