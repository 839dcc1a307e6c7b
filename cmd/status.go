package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/coinbuidl/moon/internal/moonstate"
	"github.com/coinbuidl/moon/internal/moonutil"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the persisted watcher state and a staleness check",
		Run: func(cmd *cobra.Command, args []string) {
			runStatus()
		},
	}
}

func runStatus() {
	paths, cfg := resolvePathsAndConfig()

	st, err := moonstate.Load(paths)
	if err != nil {
		fmt.Fprintf(os.Stderr, "moon: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("moon_home:        %s\n", paths.MoonHome)
	fmt.Printf("schema_version:   %d\n", st.SchemaVersion)
	fmt.Printf("last_heartbeat:   %s\n", formatEpoch(st.LastHeartbeatEpochSecs))
	fmt.Printf("last_session_id:  %s\n", derefStr(st.LastSessionID))
	fmt.Printf("last_usage_ratio: %s\n", derefRatio(st.LastUsageRatio))
	fmt.Printf("last_provider:    %s\n", derefStr(st.LastProvider))
	fmt.Printf("distilled_count:  %d\n", len(st.DistilledArchives))
	fmt.Printf("inbound_tracked:  %d\n", len(st.InboundSeenFiles))

	now := moonutil.NowEpochSeconds()
	staleSecs := now - st.LastHeartbeatEpochSecs
	staleThreshold := cfg.Watcher.PollIntervalSecs * 5
	if st.LastHeartbeatEpochSecs == 0 {
		fmt.Println("freshness:        never run")
	} else if staleSecs > staleThreshold {
		fmt.Printf("freshness:        STALE (%ds since last heartbeat, threshold %ds)\n", staleSecs, staleThreshold)
	} else {
		fmt.Printf("freshness:        fresh (%ds since last heartbeat)\n", staleSecs)
	}
}

func formatEpoch(epoch int64) string {
	if epoch == 0 {
		return "never"
	}
	return time.Unix(epoch, 0).Local().Format(time.RFC3339)
}

func derefStr(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func derefRatio(r *float64) string {
	if r == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *r)
}
