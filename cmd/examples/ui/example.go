package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/widget"

	"github.com/mlsorensen/godesk"
	// This tells the Go compiler to include the package, which runs its init()
	// function. The init() function, in turn, calls godesk.Register().
	_ "github.com/mlsorensen/godesk/pkg/desks/all"
)

func main() {
	a := app.New()
	w := a.NewWindow("Desk App")

	cfg := godesk.DefaultConfig()
	dev, err := godesk.ScanForOne(15*time.Second, cfg.NamePrefix)
	if err != nil {
		log.Fatal(err)
	}
	desk, err := godesk.NewDeskForDevice(dev, cfg)
	if err != nil {
		log.Fatalf("Fatal: Could not create desk instance: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	displayNameLabel := widget.NewLabel(desk.DisplayName())
	phaseLabel := widget.NewLabel(godesk.PhaseDisconnected.String())
	heightLabel := widget.NewLabel("-- cm")
	position := widget.NewSlider(0, 100)
	position.Step = 1

	send := func(name string, fn func(context.Context) error) func() {
		return func() {
			log.Printf("--> Sending %s to desk...", name)
			if err := fn(ctx); err != nil {
				log.Printf("Error sending %s: %v", name, err)
			}
		}
	}

	upButton := widget.NewButton("Up", send("UP", desk.MoveUp))
	downButton := widget.NewButton("Down", send("DOWN", desk.MoveDown))
	stopButton := widget.NewButton("Stop", send("STOP", desk.Stop))

	presets := container.NewGridWithColumns(4)
	for slot := 1; slot <= 4; slot++ {
		presets.Add(widget.NewButton(fmt.Sprintf("M%d", slot), send(fmt.Sprintf("PRESET %d", slot), func(ctx context.Context) error {
			return desk.MoveToPreset(ctx, slot)
		})))
	}

	position.OnChangeEnded = func(v float64) {
		send(fmt.Sprintf("POSITION %.0f", v), func(ctx context.Context) error {
			return desk.MoveToPosition(ctx, int(v))
		})()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-shutdown
		log.Println("Shutdown signal received:", sig)
		fyne.Do(a.Quit)
	}()

	go func() {
		phases, stop := desk.SubscribePhases()
		defer stop()
		for pc := range phases {
			fyne.Do(func() { phaseLabel.SetText(pc.To.String()) })
		}
	}()

	go func() {
		snaps, stop := desk.Subscribe()
		defer stop()
		for snap := range snaps {
			if snap.Height == nil {
				continue
			}
			h := *snap.Height
			fyne.Do(func() {
				heightLabel.SetText(fmt.Sprintf("%.1f cm", h))
				position.SetValue(float64(cfg.Position(h)))
			})
		}
	}()

	if err := desk.Connect(ctx); err != nil {
		log.Printf("Initial connection failed, retrying in the background: %v", err)
	}

	w.SetContent(container.NewVBox(
		displayNameLabel,
		phaseLabel,
		heightLabel,
		container.NewGridWithColumns(3, upButton, stopButton, downButton),
		presets,
		position,
	))
	w.ShowAndRun()

	if err := desk.Disconnect(); err != nil {
		log.Printf("Error disconnecting from desk: %v", err)
	}
}
