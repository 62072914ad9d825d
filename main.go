package main

import (
	"embed"
	"flag"

	"github.com/golang/glog"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"

	"relaychat/internal/config"
)

//go:embed all:frontend
var assets embed.FS

func main() {
	flag.Parse()
	defer glog.Flush()

	app := NewApp(config.Load())

	err := wails.Run(&options.App{
		Title:  "RelayChat",
		Width:  1100,
		Height: 750,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		BackgroundColour: &options.RGBA{R: 14, G: 22, B: 33, A: 255},
		OnStartup:        app.startup,
		OnShutdown:       app.shutdown,
		Bind: []interface{}{
			app,
		},
	})

	if err != nil {
		glog.Errorf("[app]run error = %s\n", err)
	}
}
