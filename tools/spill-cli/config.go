package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

var configCommand = cli.Command{
	Action: printConfig,
	Name:   "config",
	Usage:  "prints the effective buffer manager configuration as YAML",
	Flags:  managerFlags,
}

func printConfig(ctx *cli.Context) error {
	config, err := readConfig(ctx)
	if err != nil {
		return err
	}
	data, err := config.Encode()
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}
