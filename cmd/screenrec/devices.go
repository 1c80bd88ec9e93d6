package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AIWaveSystems/screenRecording/internal/audio"
	"github.com/AIWaveSystems/screenRecording/internal/capture"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input and output devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		m, err := audio.NewMalgo()
		if err != nil {
			return err
		}
		defer m.Close()

		mics, speakers, err := m.ListDevices()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tID\tNAME\tCHANNELS\tDEFAULT")
		for _, d := range mics {
			fmt.Fprintf(w, "mic\t%s\t%s\t%d\t%s\n", d.ID, d.Name, d.MaxInputChannels, yes(d.IsDefault))
		}
		for _, d := range speakers {
			fmt.Fprintf(w, "speaker\t%s\t%s\t%d\t%s\n", d.ID, d.Name, d.MaxOutputChannels, yes(d.IsDefault))
		}
		w.Flush()

		if d, ok := audio.FindLoopbackDevice(mics, cfg.Audio.LoopbackHint); ok {
			fmt.Printf("\nAlternate loopback input: %s (%s)\n", d.Name, d.ID)
		}
		return nil
	},
}

var monitorsSource string

var monitorsCmd = &cobra.Command{
	Use:   "monitors",
	Short: "List monitors available for recording",
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := capture.NewFrameSource(monitorsSource)
		if err != nil {
			return err
		}
		defer src.Close()

		monitors, err := src.Monitors()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tGEOMETRY\tPRIMARY")
		for _, m := range monitors {
			fmt.Fprintf(w, "%d\t%s\t%dx%d+%d+%d\t%s\n", m.ID, m.Name, m.Width, m.Height, m.Left, m.Top, yes(m.IsPrimary))
		}
		return w.Flush()
	},
}

func init() {
	monitorsCmd.Flags().StringVar(&monitorsSource, "source", "", "frame source: x11 or test")

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(monitorsCmd)
}

func yes(b bool) string {
	if b {
		return "yes"
	}
	return ""
}
