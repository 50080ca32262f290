// cmd/status.go

package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"PhotonDNS/core/common"
	"PhotonDNS/core/webapi"

	"github.com/spf13/cobra"
)

type healthReply struct {
	Status   string `json:"status"`
	Engine   bool   `json:"engine"`
	Database string `json:"database"`
	Uptime   string `json:"uptime"`
}

// runStatus 查看服务状态命令
func runStatus(cmd *cobra.Command, args []string) error {
	daemonManager := common.NewDaemonManager(cliConfig.PIDFile)
	status, pid := daemonManager.GetStatus()

	fmt.Printf("PhotonDNS %s\n", Version)
	fmt.Printf("服务状态: %s\n", status)
	if pid == 0 {
		return nil
	}
	fmt.Printf("进程ID: %d\n", pid)

	if err := common.LoadConfig(cliConfig.ConfigPath); err != nil {
		return nil
	}
	reply, err := queryHealth(webapi.ServerConfigFromConfig())
	if err != nil {
		fmt.Printf("API状态: 不可用 (%v)\n", err)
		return nil
	}
	engine := "已停止"
	if reply.Engine {
		engine = "运行中"
	}
	fmt.Printf("API状态: %s\n", reply.Status)
	fmt.Printf("引擎状态: %s\n", engine)
	fmt.Printf("数据库: %s\n", reply.Database)
	fmt.Printf("运行时长: %s\n", reply.Uptime)
	return nil
}

func queryHealth(cfg webapi.ServerConfig) (*healthReply, error) {
	host := cfg.Addr
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + net.JoinHostPort(host, cfg.Port) + "/api/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	var reply healthReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
