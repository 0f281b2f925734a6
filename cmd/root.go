package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alexferrari88/xpost-dl/internal/config"
	"github.com/alexferrari88/xpost-dl/lib"
)

var (
	proxyURL      string
	verbose       bool
	ratePerSecond int
	endpoint      string
	returnFormat  string
	apiKey        string
	userAgent     string
	timeout       time.Duration
	maxRetries    int
	maxWorkers    int
	configFile    string
	ctx           = context.Background()
	fetcher       *lib.Fetcher
	extractor     *lib.Extractor
	downloader    *lib.MediaDownloader
	imagesDir     string

	// rootCmd represents the base command when called without any subcommands
	rootCmd = &cobra.Command{
		Use:   "xpost-dl <url>",
		Short: "X post downloader",
		Long: `xpost-dl fetches a post from X (formerly Twitter) through a markdown-rendering proxy
and prints its text, author, prompt, images and timestamp as JSON.`,
		Args:              cobra.MaximumNArgs(1),
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		RunE: func(cmd *cobra.Command, args []string) error {
			var rawURL string
			if len(args) > 0 {
				rawURL = args[0]
			}
			return fetchPost(cmd, rawURL, "")
		},
	}
)

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to fetch post: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&proxyURL, "proxy", "x", "", "Specify the proxy url")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().IntVarP(&ratePerSecond, "rate", "r", lib.DefaultRatePerSecond, "Specify the rate of requests per second")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", lib.DefaultEndpoint, "Markdown-rendering proxy endpoint")
	rootCmd.PersistentFlags().StringVar(&returnFormat, "format", string(lib.FormatMarkdown), "Proxy response format (options: \"markdown\", \"json\", \"html\")")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Proxy API key (or XPOST_JINA_API_KEY)")
	rootCmd.PersistentFlags().StringVar(&userAgent, "user-agent", lib.DefaultUserAgent, "User-Agent sent to the proxy")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Per-request timeout (0 means none)")
	rootCmd.PersistentFlags().IntVar(&maxRetries, "retries", lib.DefaultMaxRetries, "Retries on 429, 5xx and network errors (0 disables retrying)")
	rootCmd.PersistentFlags().IntVar(&maxWorkers, "workers", 4, "Concurrent fetches in batch mode")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ./xpost.yaml)")
}

// setup resolves the configuration and builds the shared fetcher and extractor.
func setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := config.InitLogger(cfg.Log, verbose); err != nil {
		return err
	}

	fetcher, err = newFetcher(cfg.Fetch)
	if err != nil {
		return err
	}
	format, err := lib.ParseReturnFormat(cfg.Jina.Format)
	if err != nil {
		return eris.Wrap(err, "invalid format")
	}
	reader := lib.NewReader(fetcher,
		lib.WithEndpoint(cfg.Jina.Endpoint),
		lib.WithReturnFormat(format),
		lib.WithAPIKey(cfg.Jina.APIKey),
	)
	extractor = lib.NewExtractor(reader)

	if imagesDir != "" {
		// media are fetched straight from the media host, without proxy headers
		mediaFetcher, err := newFetcher(cfg.Fetch)
		if err != nil {
			return err
		}
		downloader = lib.NewMediaDownloader(mediaFetcher, imagesDir)
	} else {
		downloader = nil
	}

	zap.L().Debug("configured",
		zap.String("endpoint", cfg.Jina.Endpoint),
		zap.String("format", string(format)),
		zap.Int("rate", cfg.Fetch.Rate),
		zap.Int("retries", cfg.Fetch.Retries),
		zap.Int("workers", cfg.Fetch.Workers),
	)
	return nil
}

func newFetcher(cfg config.FetchConfig) (*lib.Fetcher, error) {
	var parsedProxyURL *url.URL
	if cfg.Proxy != "" {
		var err error
		parsedProxyURL, err = parseURL(cfg.Proxy)
		if err != nil {
			return nil, eris.Wrap(err, "invalid proxy URL")
		}
	}
	return lib.NewFetcher(
		lib.WithRatePerSecond(cfg.Rate),
		lib.WithProxyURL(parsedProxyURL),
		lib.WithMaxRetries(cfg.Retries),
		lib.WithMaxWorkers(cfg.Workers),
		lib.WithTimeout(cfg.Timeout),
		lib.WithUserAgent(cfg.UserAgent),
	), nil
}

// parseURL checks that toTest is an absolute URL with a scheme and a host.
func parseURL(toTest string) (*url.URL, error) {
	u, err := url.Parse(toTest)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid URL: %s", toTest)
	}
	return u, nil
}

// saveMedia downloads the images of c when --images-dir is set.
func saveMedia(cmd *cobra.Command, c *lib.Case) error {
	if downloader == nil {
		return nil
	}
	result, err := downloader.DownloadMedia(ctx, c)
	if err != nil {
		return eris.Wrapf(err, "failed to download images of %s", c.SourceURL)
	}
	for _, m := range result.Media {
		if !m.Success {
			fmt.Fprintf(cmd.ErrOrStderr(), "Failed to download image %s: %v\n", m.OriginalURL, m.Error)
		}
	}
	zap.L().Info("downloaded images",
		zap.String("url", c.SourceURL),
		zap.Int("success", result.Success),
		zap.Int("failed", result.Failed),
	)
	return nil
}
