package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/screenrec/internal/transcode"
)

var convertFlags struct {
	format     string
	resolution string
	fps        int
	output     string
	publish    bool
}

var convertCmd = &cobra.Command{
	Use:   "convert <input>",
	Short: "Convert a recording to MP4, MKV, GIF or WebM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConvert(cmd.Context(), args[0])
	},
}

func init() {
	f := convertCmd.Flags()
	f.StringVar(&convertFlags.format, "format", "", "output format (default from output_format)")
	f.StringVar(&convertFlags.resolution, "resolution", "", "480p, 720p, 1080p or original (default from resolution)")
	f.IntVar(&convertFlags.fps, "fps", 0, "15, 24, 30 or 60 (default from fps)")
	f.StringVarP(&convertFlags.output, "output", "o", "", "output path (default next to the input)")
	f.BoolVar(&convertFlags.publish, "publish", false, "queue the converted file for publishing")

	rootCmd.AddCommand(convertCmd)
}

func runConvert(ctx context.Context, input string) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	job := transcode.Job{
		InputPath:  input,
		OutputPath: convertFlags.output,
		Format:     transcode.Format(a.cfg.OutputFormat),
		Resolution: transcode.Resolution(a.cfg.Resolution),
		FPS:        a.cfg.FPS,
	}
	if convertFlags.format != "" {
		if job.Format, err = transcode.ParseFormat(convertFlags.format); err != nil {
			return err
		}
	}
	if convertFlags.resolution != "" {
		if job.Resolution, err = transcode.ParseResolution(convertFlags.resolution); err != nil {
			return err
		}
	}
	if convertFlags.fps > 0 {
		job.FPS = convertFlags.fps
	}
	if job.OutputPath == "" {
		job.OutputPath = transcode.OutputPath(input, job.Format)
	}

	sub := a.converter.SubscribeProgress(func(p transcode.Progress) {
		if p.Status == transcode.StatusConverting {
			fmt.Printf("\rConverting... %3d%%", p.Percent)
		}
	})
	defer sub.Release()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigChan:
			a.converter.Cancel()
		case <-done:
		}
	}()

	err = a.converter.Convert(ctx, job)
	fmt.Println()
	if err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", job.OutputPath)

	if convertFlags.publish && a.publisher != nil {
		if _, err := a.publisher.Publish(job.OutputPath); err != nil {
			return err
		}
		fmt.Println("Queued for publishing.")
	}
	return nil
}
