package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/dontdude/codexec/internal/domain"
	"github.com/dontdude/codexec/internal/platform/web"
)

var errRunFailed = errors.New("program did not run")

func newRunCmd() *cobra.Command {
	var server, language string
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Submit a source file to a server and attach the terminal to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			lang := domain.ParseLanguage(language)
			if language == "" {
				lang = languageFromPath(args[0])
			}

			conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), server, nil)
			if err != nil {
				return fmt.Errorf("dial %s: %w", server, err)
			}
			defer conn.Close()

			return runSession(conn, string(code), lang, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&server, "server", envOrDefault("CODEXEC_SERVER", "ws://localhost:5000/api/ws"), "WebSocket endpoint of the server")
	cmd.Flags().StringVar(&language, "language", "", "language tag (default: from the file extension)")
	return cmd
}

// runSession submits code and relays stdin lines until the program finishes.
func runSession(conn *websocket.Conn, code string, lang domain.Language, in io.Reader, out io.Writer) error {
	if err := writeEvent(conn, web.EventRunCode, domain.ExecutionRequest{Code: code, Language: lang}); err != nil {
		return err
	}

	// Stdin lines become sendInput events. Writes from this goroutine only.
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			if err := writeEvent(conn, web.EventSendInput, web.InputData{Text: scanner.Text()}); err != nil {
				return
			}
		}
	}()

	for {
		var env web.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("connection lost: %w", err)
		}
		switch env.Event {
		case web.EventOutput:
			var o web.OutputData
			if err := json.Unmarshal(env.Data, &o); err != nil {
				continue
			}
			fmt.Fprint(out, o.Text)
			if strings.HasSuffix(o.Text, domain.TerminalMarker) {
				fmt.Fprintln(out)
				return nil
			}
		case web.EventSession:
			var s web.SessionData
			if err := json.Unmarshal(env.Data, &s); err != nil {
				continue
			}
			if s.State == domain.StateExited.String() {
				fmt.Fprintln(out)
				return errRunFailed
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return conn.WriteJSON(web.Envelope{Event: event, Data: raw})
}

func languageFromPath(path string) domain.Language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".c":
		return domain.LanguageC
	case ".cpp", ".cc", ".cxx":
		return domain.LanguageCPP
	case ".py":
		return domain.LanguagePython
	case ".java":
		return domain.LanguageJava
	default:
		return domain.Language(strings.TrimPrefix(filepath.Ext(path), "."))
	}
}
