package main

import (
	"github.com/alecthomas/kong"

	. "github.com/roelfdiedericks/personagate/internal/logging"
)

const version = "0.1.0"

// Globals are flags shared by every command.
type Globals struct {
	Config string `help:"Path to the JSON config file." short:"c" type:"path" placeholder:"FILE"`
	Env    string `help:"Path to a .env file with secrets." default:".env" type:"path" placeholder:"FILE"`
	Debug  bool   `help:"Enable debug logging."`
}

type CLI struct {
	Globals

	Serve      ServeCmd      `cmd:"" help:"Run the HTTP API."`
	Send       SendCmd       `cmd:"" help:"Send one message through the pipeline and print the reply."`
	Seed       SeedCmd       `cmd:"" help:"Load personas from a JSON file, optionally opening a session."`
	InitConfig InitConfigCmd `cmd:"" name:"init-config" help:"Write a sample config file."`
	Version    VersionCmd    `cmd:"" help:"Print the version."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("personagate"),
		kong.Description("Resilient persona chat-completion pipeline."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli.Globals); err != nil {
		L_error("%s failed: %v", ctx.Command(), err)
		ctx.Exit(1)
	}
}
