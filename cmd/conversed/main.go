package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rbarroso/converse/internal/client"
	"github.com/rbarroso/converse/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		client.Module(client.Params{ProfileName: profileName}),
	)

	app.Run()
}
