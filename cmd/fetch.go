package cmd

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// fetchCmd represents the fetch command
var (
	outputFile string
	fetchCmd   = &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch a single post",
		Long:  `Fetch a single post and print it as JSON, or write it to the file given with --output.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetchPost(cmd, args[0], outputFile)
		},
	}
)

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write the JSON record to this file instead of stdout")
	fetchCmd.Flags().StringVar(&imagesDir, "images-dir", "", "Also download the post images to this directory")
}

// fetchPost extracts rawURL and prints the indented record, or writes it to output when set.
func fetchPost(cmd *cobra.Command, rawURL, output string) error {
	c, err := extractor.ExtractCase(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := saveMedia(cmd, &c); err != nil {
		return err
	}

	if output != "" {
		if err := c.WriteToFile(output); err != nil {
			return eris.Wrapf(err, "failed to write %s", output)
		}
		zap.L().Info("wrote post", zap.String("url", c.SourceURL), zap.String("path", output))
		return nil
	}

	out, err := c.ToJSON(true)
	if err != nil {
		return eris.Wrap(err, "failed to encode post")
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}
