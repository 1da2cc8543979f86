package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/BashPrince/go-path-guiding/pkg/guiding"
	"github.com/BashPrince/go-path-guiding/pkg/log"
)

var logger = log.New("sdtinfo")

func main() {
	app := cli.NewApp()
	app.Name = "sdtinfo"
	app.Usage = "inspect SD-tree snapshot (.sdt) files"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "camera",
			Usage: "print the camera matrix",
		},
		cli.IntFlag{
			Name:  "max-leaves",
			Usage: "limit the number of listed leaves (0 = all)",
			Value: 0,
		},
	}
	app.Action = inspect

	if err := app.Run(os.Args); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func inspect(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected exactly one snapshot file argument")
	}

	path := ctx.Args().First()
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	snapshot, err := guiding.ReadSnapshot(file)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if ctx.Bool("camera") {
		for row := 0; row < 4; row++ {
			m := snapshot.CameraMatrix
			fmt.Printf("  [%9.4f %9.4f %9.4f %9.4f]\n",
				m[row*4], m[row*4+1], m[row*4+2], m[row*4+3])
		}
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"#", "Min", "Extent", "Mean", "Samples", "Nodes"})

	maxLeaves := ctx.Int("max-leaves")
	totalNodes := 0
	totalSamples := uint64(0)

	for i, leaf := range snapshot.DTrees {
		totalNodes += len(leaf.Nodes)
		totalSamples += leaf.SampleWeight

		if maxLeaves > 0 && i >= maxLeaves {
			continue
		}

		table.Append([]string{
			fmt.Sprintf("%d", i),
			fmt.Sprintf("(%.3f %.3f %.3f)", leaf.AABBMin.X, leaf.AABBMin.Y, leaf.AABBMin.Z),
			fmt.Sprintf("(%.3f %.3f %.3f)", leaf.AABBExtent.X, leaf.AABBExtent.Y, leaf.AABBExtent.Z),
			fmt.Sprintf("%.5f", leaf.MeanRadiance),
			fmt.Sprintf("%d", leaf.SampleWeight),
			fmt.Sprintf("%d", len(leaf.Nodes)),
		})
	}

	table.Render()

	fmt.Printf("%d spatial leaves, %d directional nodes, %d samples\n",
		len(snapshot.DTrees), totalNodes, totalSamples)

	return nil
}
