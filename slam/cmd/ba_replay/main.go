// Package main replays a simulated visual front end into the bundle adjustment backend and
// reports how each optimization pass went.
package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"go.viam.com/gvins/logging"
)

const (
	flagConfig     = "config"
	flagKeyFrames  = "keyframes"
	flagLandmarks  = "landmarks"
	flagWindow     = "window"
	flagSeed       = "seed"
	flagPixelNoise = "pixel-noise"
	flagSync       = "sync"
	flagDebug      = "debug"
	flagPlot       = "plot"
)

var app = &cli.App{
	Name:  "ba_replay",
	Usage: "replay a simulated keyframe stream through the sliding window bundle adjustment backend",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  flagConfig,
			Usage: "path to a JSON backend config; a 640x480 camera with default tuning is used if unset",
		},
		&cli.IntFlag{
			Name:  flagKeyFrames,
			Value: 20,
			Usage: "number of keyframes to replay",
		},
		&cli.IntFlag{
			Name:  flagLandmarks,
			Value: 100,
			Usage: "number of landmarks in the scene",
		},
		&cli.IntFlag{
			Name:  flagWindow,
			Value: 10,
			Usage: "sliding window size in keyframes",
		},
		&cli.Int64Flag{
			Name:  flagSeed,
			Value: 1,
			Usage: "random seed for the scene and its noise",
		},
		&cli.Float64Flag{
			Name:  flagPixelNoise,
			Value: 0.5,
			Usage: "keypoint noise standard deviation in pixels",
		},
		&cli.BoolFlag{
			Name:  flagSync,
			Usage: "run a pass after every keyframe on the calling goroutine instead of requesting one",
		},
		&cli.StringFlag{
			Name:  flagPlot,
			Usage: "write a PNG of the reprojection error before and after each pass to this path",
		},
		&cli.BoolFlag{
			Name:  flagDebug,
			Usage: "enable debug logging",
		},
	},
	Action: replayAction,
}

func main() {
	if err := app.Run(os.Args); err != nil {
		logging.Global().Error(err)
		os.Exit(1)
	}
}
