/*
PhotonDNS - DNS拦截转发与自适应切换引擎

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
// cmd/probe.go

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"text/tabwriter"

	"PhotonDNS/core/analysis"
	"PhotonDNS/core/common"
	"PhotonDNS/core/model"
	"PhotonDNS/core/probe"
	"PhotonDNS/core/sdns"
	"PhotonDNS/core/upstream"

	"github.com/spf13/cobra"
)

var probeOpts struct {
	resolvers []string
	asJSON    bool
	rounds    int
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "对配置中的解析器执行一次延迟探测",
	Long:  "不启动引擎，直接对配置中的解析器执行探测并按综合评分排序输出",
	RunE:  runProbe,
}

func init() {
	probeCmd.Flags().StringSliceVarP(&probeOpts.resolvers, "resolver", "r", nil, "只探测指定的解析器ID")
	probeCmd.Flags().BoolVar(&probeOpts.asJSON, "json", false, "以JSON格式输出")
	probeCmd.Flags().IntVarP(&probeOpts.rounds, "rounds", "n", 1, "探测轮数")
}

// probeRow 单个解析器的探测汇总
type probeRow struct {
	ID      string                   `json:"id"`
	Name    string                   `json:"name"`
	Last    model.LatencyResult      `json:"last"`
	Metrics model.PerformanceMetrics `json:"metrics"`
}

func runProbe(cmd *cobra.Command, args []string) error {
	if err := common.LoadEnv(cliConfig.ConfigPath); err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	profiles, err := sdns.LoadProfiles()
	if err != nil {
		return err
	}
	targets := selectProfiles(profiles, probeOpts.resolvers)
	if len(targets) == 0 {
		return fmt.Errorf("没有可探测的解析器")
	}
	tunCfg, err := sdns.TunConfigFromSettings()
	if err != nil {
		return err
	}
	probeCfg := sdns.ProbeConfigFromSettings()
	cfg, err := sdns.ConfigFromSettings(tunCfg, probeCfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	rows, err := measure(ctx, probe.NewProber(probeCfg, upstream.NewFactory(probeCfg.AttemptTimeout)),
		analysis.NewAnalyzer(cfg.Analyzer), targets, cfg.Probe, probeOpts.rounds)
	if err != nil {
		return err
	}

	if probeOpts.asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\t名称\t平均(ms)\t中位数(ms)\t成功率\t稳定性\t评分\t备注")
	for _, r := range rows {
		note := r.Last.Error
		if r.Last.IsFallback {
			note = "反向解析兜底"
		}
		fmt.Fprintf(w, "%s\t%s\t%.1f\t%.1f\t%.0f%%\t%.2f\t%.2f\t%s\n",
			r.ID, r.Name, r.Metrics.AvgLatency, r.Metrics.MedianLatency,
			r.Last.SuccessRate*100, r.Metrics.StabilityScore, r.Metrics.PerformanceScore, note)
	}
	return w.Flush()
}

// selectProfiles 选出需要探测的解析器，未指定时取全部启用的解析器
func selectProfiles(profiles []*model.DNSServerProfile, ids []string) []*model.DNSServerProfile {
	if len(ids) == 0 {
		var out []*model.DNSServerProfile
		for _, p := range profiles {
			if p.Enabled() {
				out = append(out, p)
			}
		}
		return out
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*model.DNSServerProfile
	for _, p := range profiles {
		if want[p.ID] {
			out = append(out, p)
		}
	}
	return out
}

// measure 执行若干轮探测并按评分从高到低排序
func measure(ctx context.Context, prober *probe.Prober, analyzer *analysis.Analyzer,
	targets []*model.DNSServerProfile, opts probe.Options, rounds int) ([]probeRow, error) {
	if rounds < 1 {
		rounds = 1
	}
	history := make(map[string][]model.LatencyResult, len(targets))
	for i := 0; i < rounds; i++ {
		for _, r := range prober.MeasureAll(ctx, targets, opts) {
			history[r.ServerID] = append(history[r.ServerID], r)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	rows := make([]probeRow, 0, len(targets))
	for _, p := range targets {
		h := history[p.ID]
		if len(h) == 0 {
			continue
		}
		rate := 0.0
		for _, r := range h {
			rate += r.SuccessRate
		}
		rows = append(rows, probeRow{
			ID:      p.ID,
			Name:    p.Name,
			Last:    h[len(h)-1],
			Metrics: analyzer.Analyze(h, rate/float64(len(h))),
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Metrics.PerformanceScore > rows[j].Metrics.PerformanceScore
	})
	return rows, nil
}
