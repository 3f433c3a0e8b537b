package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/lexiqai/voice-transcriber/internal/capture"
	"github.com/lexiqai/voice-transcriber/internal/observability"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List capture devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		observability.InitLogger("warn", true)

		mic, err := capture.NewContext(observability.WithComponent("capture"))
		if err != nil {
			return err
		}
		defer mic.Close()

		devices, err := mic.Devices()
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("No capture devices found.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Name", "ID", "Default"})
		table.SetBorder(false)
		table.SetAutoWrapText(false)
		for _, d := range devices {
			def := ""
			if d.IsDefault {
				def = "*"
			}
			table.Append([]string{d.Name, d.ID, def})
		}
		table.Render()
		return nil
	},
}
