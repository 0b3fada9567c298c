package main

import (
	"fmt"
	"os"

	"github.com/hubrts/youtube-command-deck/internal/app"
	"github.com/hubrts/youtube-command-deck/internal/utils"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("Failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	a.Start()

	host := utils.GetEnv("WEB_HOST", "0.0.0.0", a.Log)
	port := utils.GetEnv("WEB_PORT", "8765", a.Log)
	addr := host + ":" + port
	fmt.Printf("Server listening on %s\n", addr)
	if err := a.Run(addr); err != nil {
		a.Log.Warn("Server failed", "error", err)
	}
}
