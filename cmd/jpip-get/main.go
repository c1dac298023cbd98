package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/raster-lab/jpipstream/pkg/cache"
	"github.com/raster-lab/jpipstream/pkg/clientcache"
	"github.com/raster-lab/jpipstream/pkg/flags"
	"github.com/raster-lab/jpipstream/pkg/jpeg2000"
	"github.com/raster-lab/jpipstream/pkg/request"
	"github.com/raster-lab/jpipstream/pkg/session"
	"github.com/raster-lab/jpipstream/pkg/transport"
	"github.com/raster-lab/jpipstream/pkg/version"
)

type options struct {
	url         string
	target      string
	regionW     int
	regionH     int
	offsetX     int
	offsetY     int
	layers      int
	resolution  int
	meta        bool
	pref        string
	timeout     time.Duration
	cacheReport bool
	logLevel    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "jpip-get [flags] target",
		Short: "Fetch a view window from a JPIP server",
		Long: `jpip-get opens a channel to a JPIP server, issues one view-window
request over WebSocket (falling back to HTTP if the upgrade fails), and
summarizes the delivered data bins.`,
		Args:          cobra.ExactArgs(1),
		Version:       version.Version,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.SetLogLevel(opts.logLevel)
			opts.target = args[0]
			return fetch(opts)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "ws://127.0.0.1:9380", "server WebSocket endpoint")
	cmd.Flags().IntVar(&opts.regionW, "width", 0, "region width")
	cmd.Flags().IntVar(&opts.regionH, "height", 0, "region height")
	cmd.Flags().IntVar(&opts.offsetX, "x", 0, "region x offset")
	cmd.Flags().IntVar(&opts.offsetY, "y", 0, "region y offset")
	cmd.Flags().IntVar(&opts.layers, "layers", 0, "quality layer count")
	cmd.Flags().IntVar(&opts.resolution, "resolution", -1, "resolution level")
	cmd.Flags().BoolVar(&opts.meta, "meta", false, "fetch metadata only")
	cmd.Flags().StringVar(&opts.pref, "pref", "", "coding-mode preference (j2k or htj2k)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	cmd.Flags().BoolVar(&opts.cacheReport, "cache-report", false, "print the client cache usage report")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", log.WarnLevel.String(),
		"log level, must be one of: panic, fatal, error, warn, info, debug")
	return cmd
}

func fetch(opts *options) error {
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	client := transport.NewClient(transport.DefaultClientConfig(opts.url))
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()

	sess := session.NewClient("local", cache.DefaultConfig(), cache.PrecinctCacheConfig{})
	defer sess.Close()
	manager := clientcache.NewManager(clientcache.DefaultConfig())

	// Create the channel.
	create := request.New(opts.target)
	create.NewChannel = true
	sess.RecordRequest()
	resp, err := client.SendRequest(ctx, create)
	if err != nil {
		return fmt.Errorf("channel creation: %w", err)
	}
	grant, ok := transport.GrantFromHeaders(resp.Headers)
	if !ok {
		return fmt.Errorf("server granted no channel")
	}
	sess.Bind(grant.ChannelID, opts.target)

	// Issue the view-window request.
	view := request.New(opts.target)
	view.ChannelID = grant.ChannelID
	view.Layers = opts.layers
	view.ResolutionLevel = opts.resolution
	view.MetadataOnly = opts.meta
	view.Preference = opts.pref
	if opts.regionW > 0 && opts.regionH > 0 {
		view.Region = &request.Region{
			Offset: request.Point{X: opts.offsetX, Y: opts.offsetY},
			Size:   request.Size{Width: opts.regionW, Height: opts.regionH},
		}
	}
	sess.RecordRequest()
	resp, err = client.SendRequest(ctx, view)
	if err != nil {
		return err
	}

	bins, parseErr := jpeg2000.ExtractDataBins(resp.Body)
	if parseErr == nil {
		resLevel := opts.resolution
		if resLevel < 0 {
			resLevel = 0
		}
		for _, bin := range bins {
			sess.ReceiveBin(bin)
			manager.AddBin(bin, opts.target, resLevel)
		}
	}

	bold := color.New(color.Bold)
	bold.Printf("%s: %d bytes", opts.target, len(resp.Body))
	if client.UsingFallback() {
		color.Yellow("  (via http fallback)")
	} else {
		fmt.Println()
	}
	if parseErr == nil {
		for _, bin := range bins {
			fmt.Printf("  %-18s id=%-6d %7d bytes complete=%v\n",
				bin.Class.String(), bin.ID, len(bin.Data), bin.Complete)
		}
	} else {
		fmt.Printf("  (body is not a bare codestream: %v)\n", parseErr)
	}
	if capability, ok := resp.Headers[transport.CapabilityHeader]; ok {
		fmt.Printf("  format: %s\n", capability)
	}

	if opts.cacheReport {
		fmt.Println()
		fmt.Print(manager.GenerateUsageReport().String())
	}
	stats := sess.Stats()
	fmt.Printf("  session: %d requests, %d bins, %d bytes cached\n",
		stats.RequestsSent, stats.BinsReceived, stats.Cache.TotalSize)
	return nil
}
