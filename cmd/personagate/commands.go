package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/roelfdiedericks/personagate/internal/chat"
	"github.com/roelfdiedericks/personagate/internal/config"
	httpapi "github.com/roelfdiedericks/personagate/internal/http"
	. "github.com/roelfdiedericks/personagate/internal/logging"
	"github.com/roelfdiedericks/personagate/internal/types"
)

type ServeCmd struct {
	Listen string `help:"Override http.listen from the config." placeholder:"ADDR"`
}

func (c *ServeCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()

	listen := a.cfg.HTTP.Listen
	if c.Listen != "" {
		listen = c.Listen
	}
	srv := httpapi.NewServer(&httpapi.ServerConfig{Listen: listen}, a.orch, a.store)
	if err := srv.Start(); err != nil {
		return err
	}
	L_info("personagate %s ready", version)

	<-ctx.Done()
	L_info("shutting down")
	return srv.Stop()
}

type SendCmd struct {
	Session     string   `help:"Session ID." required:""`
	User        string   `help:"User ID that owns the session." required:""`
	Tier        string   `help:"Subscription tier." default:"free"`
	Temperature *float64 `help:"Sampling temperature override."`
	Stream      bool     `help:"Print the reply as it streams."`
	Text        string   `arg:"" help:"Message text (use __GREETING__ for the persona's opening)."`
}

func (c *SendCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()

	req := chat.SendRequest{
		SessionID:   c.Session,
		UserID:      c.User,
		Tier:        c.Tier,
		Text:        c.Text,
		Temperature: c.Temperature,
	}

	if !c.Stream {
		res, err := a.orch.SendMessage(ctx, req)
		if err != nil {
			return err
		}
		fmt.Println(res.AssistantMessage.Text)
		reportFallback(res)
		return nil
	}

	ms, err := a.orch.StreamMessage(ctx, req)
	if err != nil {
		return err
	}
	defer ms.Close()
	for {
		chunk, err := ms.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fmt.Println()
			return err
		}
		fmt.Print(chunk)
	}
	fmt.Println()
	res, err := ms.Result()
	if err != nil {
		return err
	}
	reportFallback(res)
	return nil
}

func reportFallback(res *chat.SendResult) {
	if res.IsFallback {
		L_warn("reply is a fallback", "errorType", res.ErrorType)
	}
}

type SeedCmd struct {
	File    string `arg:"" help:"JSON file with an array of personas." type:"existingfile"`
	User    string `help:"Also open a session for this user."`
	Persona string `help:"Persona ID for the new session."`
}

func (c *SeedCmd) Run(g *Globals) error {
	ctx := context.Background()
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	var personas []types.Persona
	if err := json.Unmarshal(data, &personas); err != nil {
		return fmt.Errorf("parse %s: %w", c.File, err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	for _, p := range personas {
		if p.ID == "" || p.Name == "" {
			return fmt.Errorf("persona without id or name in %s", c.File)
		}
		if err := st.SeedPersona(ctx, p); err != nil {
			return err
		}
		L_info("seeded persona", "id", p.ID, "name", p.Name)
	}

	if c.User == "" {
		return nil
	}
	if c.Persona == "" {
		return fmt.Errorf("--persona is required with --user")
	}
	sess, err := st.CreateSession(ctx, c.User, c.Persona)
	if err != nil {
		return err
	}
	fmt.Println(sess.ID)
	return nil
}

type InitConfigCmd struct {
	Path  string `arg:"" optional:"" help:"Where to write the config." default:"personagate.json"`
	Force bool   `help:"Overwrite an existing file."`
}

func (c *InitConfigCmd) Run(g *Globals) error {
	if err := config.WriteDefault(c.Path, c.Force); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", c.Path)
	return nil
}

type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	fmt.Printf("personagate %s\n", version)
	return nil
}
