package core

import (
	"fmt"

	"github.com/fatih/color"
)

const VERSION = "1.0.0"

func Banner() {
	cyan := color.New(color.FgCyan)
	white := color.New(color.FgHiWhite)
	fmt.Println()
	cyan.Println(`  ___ _ __   __ _ _ __ ___`)
	cyan.Println(` / __| '_ \ / _' | '__/ _ \`)
	cyan.Println(` \__ \ | | | (_| | | |  __/`)
	cyan.Println(` |___/_| |_|\__,_|_|  \___|`)
	fmt.Println()
	white.Printf("             version %s\n\n", VERSION)
}
