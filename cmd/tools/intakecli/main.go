package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-clinic/backend/internal/app"
	"github.com/zhouzirui/z-clinic/backend/internal/config"
	"github.com/zhouzirui/z-clinic/backend/internal/logger"
	"github.com/zhouzirui/z-clinic/backend/internal/model/chat"
	"github.com/zhouzirui/z-clinic/backend/internal/model/locale"
	"github.com/zhouzirui/z-clinic/backend/internal/render"
	"github.com/zhouzirui/z-clinic/backend/internal/service/turn"
)

const usage = `commands:
  /reset                 clear the session and start over
  /form <age> <gender>   submit the demographics form
  /lang en|ar            switch the session language
  /voice <transcript>    append a transcript to the input buffer
  /send                  submit the input buffer
  /state                 print the intake state
  /quit                  exit`

func main() {
	lang := flag.String("lang", "", "会话语言 (en 或 ar)，默认使用 INTAKE_DEFAULT_LANGUAGE")
	level := flag.String("log", "warn", "日志级别")
	timeout := flag.Duration("timeout", 2*time.Minute, "单轮对话超时时间")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("配置加载失败")
	}
	cfg.Metrics.Enabled = false

	l := logger.Init(logger.Config{Level: *level, Pretty: true, Output: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	core, err := app.Build(ctx, cfg, l)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化失败")
	}
	if !core.ModelEnabled {
		fmt.Fprintln(os.Stderr, "model not configured: remote steps will answer with fallback replies")
	}

	r := &repl{orch: core.Orchestrator, out: os.Stdout, timeout: *timeout}
	if err := r.open(ctx, locale.Language(*lang)); err != nil {
		log.Fatal().Err(err).Msg("无法创建会话")
	}
	fmt.Fprintln(r.out, usage)
	r.run(ctx, os.Stdin)
}

type repl struct {
	orch      *turn.Orchestrator
	out       io.Writer
	timeout   time.Duration
	sessionID string
}

func (r *repl) open(ctx context.Context, lang locale.Language) error {
	session, welcome, err := r.orch.Open(ctx, lang)
	if err != nil {
		return err
	}
	r.sessionID = session.ID()
	r.print(welcome)
	return nil
}

func (r *repl) run(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			return
		}
		if quit := r.handle(ctx, scanner.Text()); quit {
			return
		}
	}
}

// handle 执行一行输入，返回是否退出
func (r *repl) handle(ctx context.Context, line string) bool {
	cmd, args := parseCommand(line)

	turnCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		res turn.Result
		err error
	)
	switch cmd {
	case "":
		res, err = r.orch.SubmitTurn(turnCtx, r.sessionID, line, r.print)
	case "quit", "exit":
		return true
	case "help":
		fmt.Fprintln(r.out, usage)
		return false
	case "reset":
		var welcome chat.Message
		if welcome, err = r.orch.Reset(ctx, r.sessionID); err == nil {
			r.print(welcome)
		}
	case "form":
		if len(args) != 2 {
			fmt.Fprintln(r.out, "usage: /form <age> <gender>")
			return false
		}
		res, err = r.orch.SubmitDemographics(turnCtx, r.sessionID, args[0], args[1], r.print)
	case "lang":
		if len(args) != 1 {
			fmt.Fprintln(r.out, "usage: /lang en|ar")
			return false
		}
		if err = r.orch.Sessions().SetLanguage(ctx, r.sessionID, locale.Language(args[0])); err == nil {
			fmt.Fprintf(r.out, "language: %s\n", args[0])
		}
	case "voice":
		var input string
		if input, err = r.orch.Sessions().AppendVoice(ctx, r.sessionID, strings.Join(args, " ")); err == nil {
			fmt.Fprintf(r.out, "input: %s\n", input)
		}
	case "send":
		res, err = r.orch.SubmitInput(turnCtx, r.sessionID, r.print)
	case "state":
		snap, snapErr := r.orch.Sessions().Snapshot(ctx, r.sessionID)
		if err = snapErr; err == nil {
			p := snap.State.Patient
			fmt.Fprintf(r.out, "stage=%s age=%q gender=%q duration=%q symptoms=%d messages=%d/%d\n",
				snap.State.Stage, p.Age, p.Gender, p.Duration, len(snap.State.Symptoms), snap.MessageCount, snap.MessageCap)
		}
	default:
		fmt.Fprintf(r.out, "unknown command /%s\n", cmd)
		return false
	}

	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return false
	}
	if res.Outcome != "" && !res.Accepted {
		fmt.Fprintf(r.out, "[%s] %s\n", res.Outcome, res.Notice)
	}
	return false
}

// print 只输出已完成的机器人消息
func (r *repl) print(msg chat.Message) {
	if msg.Sender != chat.SenderBot || msg.IsStreaming {
		return
	}
	fmt.Fprintf(r.out, "bot: %s\n", render.PlainText(msg.Text))
}

// parseCommand splits "/form 30 male" into ("form", ["30", "male"]).
// Lines without a leading slash are utterances and yield an empty command.
func parseCommand(line string) (string, []string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", nil
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}
