package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/gtriggiano/netwatchz/pkg/engine"
	"github.com/gtriggiano/netwatchz/pkg/ipdata"
	"github.com/gtriggiano/netwatchz/pkg/vpndata"
)

var lookupTimeout time.Duration

func init() {
	rootCmd.AddCommand(lookupCmd)
	lookupCmd.Flags().DurationVar(&lookupTimeout, "timeout", 30*time.Second, "Deadline for the provider lookups")
}

type lookupReport struct {
	IP           string           `json:"ip"`
	Blocked      bool             `json:"blocked"`
	MatchedLists []string         `json:"matchedLists,omitempty"`
	IPData       *ipdata.IPData   `json:"ipData,omitempty"`
	IPDataError  string           `json:"ipDataError,omitempty"`
	VPN          *vpndata.VPNInfo `json:"vpn,omitempty"`
	VPNError     string           `json:"vpnError,omitempty"`
	Allowed      bool             `json:"allowed"`
	Bypassed     bool             `json:"bypassed,omitempty"`
	Culprit      string           `json:"culprit,omitempty"`
	Signals      map[string]bool  `json:"signals"`
}

var lookupCmd = &cobra.Command{
	Use:   "lookup <ip>",
	Short: "Screen one IPv4 address and print everything known about it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := netip.ParseAddr(args[0])
		if err != nil || !addr.Unmap().Is4() {
			return fmt.Errorf("%q is not an IPv4 address", args[0])
		}
		ip := addr.Unmap().String()

		cfg, logger, err := loadConfigAndLogger("warn")
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
		defer cancel()

		eng, err := engine.New(ctx, cfg, logger, nil)
		if err != nil {
			return err
		}
		defer eng.Shutdown()

		report := lookupReport{IP: ip, Blocked: eng.IsIPBlocked(ip)}
		for _, path := range eng.MatchingLists(ip) {
			report.MatchedLists = append(report.MatchedLists, filepath.Base(path))
		}
		if report.IPData, err = eng.FetchIPData(ctx, ip); err != nil {
			report.IPDataError = err.Error()
		}
		if report.VPN, err = eng.FetchVPNData(ctx, ip); err != nil && !errors.Is(err, engine.ErrVPNDisabled) {
			report.VPNError = err.Error()
		}

		verdict := eng.Screen(ctx, ip)
		report.Allowed = verdict.Allowed
		report.Bypassed = verdict.Bypassed
		report.Culprit = verdict.Culprit
		report.Signals = verdict.Signals

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}
