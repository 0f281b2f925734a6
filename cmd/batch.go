package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alexferrari88/xpost-dl/lib"
)

// batchCmd represents the batch command
var (
	urlsFile     string
	outputFolder string
	batchCmd     = &cobra.Command{
		Use:   "batch [urls...]",
		Short: "Fetch many posts concurrently",
		Long: `Fetch every post given as an argument or listed in --file (one URL per line, # starts a comment).
Records are printed as a JSON array, or written one file per post to --path.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			urls := append([]string{}, args...)
			if urlsFile != "" {
				fromFile, err := readURLsFile(urlsFile)
				if err != nil {
					return err
				}
				urls = append(urls, fromFile...)
			}
			if len(urls) == 0 {
				return eris.New("no URLs provided")
			}
			return fetchBatch(cmd, urls, outputFolder)
		},
	}
)

func init() {
	rootCmd.AddCommand(batchCmd)
	batchCmd.Flags().StringVarP(&urlsFile, "file", "f", "", "Read post URLs from this file")
	batchCmd.Flags().StringVarP(&outputFolder, "path", "p", "", "Write one JSON file per post to this directory")
	batchCmd.Flags().StringVar(&imagesDir, "images-dir", "", "Also download the post images to this directory")
}

// readURLsFile returns the non-empty, non-comment lines of path.
func readURLsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", path)
	}
	return urls, nil
}

// fetchBatch extracts every URL, keeping input order in the output.
// Failed URLs are reported on stderr and do not stop the others.
func fetchBatch(cmd *cobra.Command, urls []string, folder string) error {
	startTime := time.Now()
	bar := progressbar.NewOptions(len(urls),
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionSetDescription("Fetching posts"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	results := make(map[string]lib.ExtractResult, len(urls))
	for res := range extractor.ExtractAllCases(ctx, urls) {
		results[res.Url] = res
		bar.Add(1)
	}
	bar.Finish()

	cases := make([]lib.Case, 0, len(urls))
	var failed int
	for _, u := range urls {
		res := results[u]
		if res.Err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "Failed to fetch post %s: %v\n", u, res.Err)
			continue
		}
		if err := saveMedia(cmd, &res.Case); err != nil {
			return err
		}
		if folder != "" {
			path := filepath.Join(folder, res.Case.FileName())
			if err := res.Case.WriteToFile(path); err != nil {
				return eris.Wrapf(err, "failed to write %s", path)
			}
			continue
		}
		cases = append(cases, res.Case)
	}

	if folder == "" {
		out, err := lib.CasesToJSON(cases)
		if err != nil {
			return eris.Wrap(err, "failed to encode posts")
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
	}

	zap.L().Info("batch done",
		zap.Int("total", len(urls)),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(startTime)),
	)
	if failed == len(urls) {
		return eris.Errorf("all %d posts failed", failed)
	}
	return nil
}
