package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	hanzohttp "github.com/tanq16/hanzo/downloaders/http"
	"github.com/tanq16/hanzo/downloaders/s3"
	"github.com/tanq16/hanzo/internal/manifest"
	"github.com/tanq16/hanzo/internal/output"
	"github.com/tanq16/hanzo/internal/scheduler"
	"github.com/tanq16/hanzo/internal/store"
	"github.com/tanq16/hanzo/utils"
)

var (
	destDir     string
	workers     int
	maxAttempts int
	retryDelay  time.Duration
	timeout     time.Duration
	kaTimeout   time.Duration
	userAgent   string
	proxyURL    string
	authToken   string
	headers     []string
	debug       bool
	cleanStale  bool
	noPreflight bool
)

var rootCmd = &cobra.Command{
	Use:     "hanzo <manifest>",
	Short:   "Hanzo pulls multi-file model bundles with resume and verification",
	Long:    "Hanzo downloads LLM model bundles described by a manifest (local YAML or a remote JSON index), resuming interrupted shards and verifying every file against its published digest.",
	Version: utils.Version,
	Args:    cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		if cleanStale {
			s, err := store.New(destDir)
			if err != nil {
				output.PrintError("Could not open destination directory")
				os.Exit(1)
			}
			n, err := s.CleanPartials()
			if err != nil {
				output.PrintError("Error cleaning up staging files")
				os.Exit(1)
			}
			output.PrintSuccess(fmt.Sprintf("Removed %d staging files", n))
			return
		}
		if len(args) == 0 {
			output.PrintError("No manifest provided")
			os.Exit(1)
		}

		clientConfig := utils.HTTPClientConfig{
			Timeout:   timeout,
			KATimeout: kaTimeout,
			ProxyURL:  proxyURL,
			UserAgent: userAgent,
			Token:     authToken,
			Headers:   utils.ParseHeaderArgs(headers),
		}
		client := utils.CreateHTTPClient(clientConfig)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		source := args[0]
		var m *manifest.Manifest
		var err error
		if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
			m, err = manifest.FetchIndex(ctx, client, source, clientConfig)
		} else {
			m, err = manifest.Load(source)
		}
		if err != nil {
			output.PrintError(fmt.Sprintf("Could not load manifest: %v", err))
			os.Exit(1)
		}

		fetchers := map[string]utils.Fetcher{
			"http": hanzohttp.NewFetcher(client, clientConfig),
		}
		for _, e := range m.Files {
			if utils.DetermineSource(e.URL) == "s3" {
				s3Fetcher, err := s3.NewFetcher(ctx)
				if err != nil {
					output.PrintError(fmt.Sprintf("Could not set up S3 access: %v", err))
					os.Exit(1)
				}
				fetchers["s3"] = s3Fetcher
				break
			}
		}

		coord, err := scheduler.New(scheduler.Options{
			DestRoot:      destDir,
			Workers:       workers,
			MaxAttempts:   maxAttempts,
			RetryDelay:    retryDelay,
			Fetchers:      fetchers,
			SkipPreflight: noPreflight,
		})
		if err != nil {
			output.PrintError(fmt.Sprintf("Could not open destination directory: %v", err))
			os.Exit(1)
		}

		var display *output.Display
		if debug {
			// Debug logs own the terminal; just drain the event stream.
			go func() {
				for range coord.Events() {
				}
			}()
		} else {
			if f, err := utils.UseLogFile(filepath.Join(os.TempDir(), "hanzo.log")); err == nil {
				defer f.Close()
			}
			display = output.NewDisplay()
			display.Start(coord.Events())
		}

		sum, runErr := coord.Run(ctx, m)
		if display != nil {
			display.Wait()
		}
		if sum != nil {
			output.ShowSummary(sum)
		}
		if runErr != nil {
			if ctx.Err() != nil {
				output.PrintWarning("Cancelled")
			} else {
				output.PrintError(runErr.Error())
			}
			os.Exit(1)
		}
		if !sum.OK {
			output.PrintError("Encountered failed operation(s)")
			os.Exit(1)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&destDir, "dir", "d", ".", "Destination directory for the bundle")
	rootCmd.Flags().IntVarP(&workers, "workers", "w", 4, "Number of files to download in parallel within a class")
	rootCmd.Flags().IntVar(&maxAttempts, "attempts", 3, "Attempts per file before giving up")
	rootCmd.Flags().DurationVar(&retryDelay, "retry-delay", 500*time.Millisecond, "Base delay before a retry, doubled per attempt")
	rootCmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "Response header timeout (eg. 5s, 10m)")
	rootCmd.Flags().DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	rootCmd.Flags().StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent")
	rootCmd.Flags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	rootCmd.Flags().StringVar(&authToken, "token", "", "Bearer token for authenticated bundle hosts")
	rootCmd.Flags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")

	// flags without shorthand
	rootCmd.Flags().BoolVar(&cleanStale, "clean", false, "Remove leftover staging files from the destination and exit")
	rootCmd.Flags().BoolVar(&noPreflight, "no-preflight", false, "Skip the free disk space check")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newVerifyCmd())
}
