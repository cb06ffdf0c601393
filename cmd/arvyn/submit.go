package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vango-go/arvyn/pkg/sidecar/capture"
	"github.com/vango-go/arvyn/pkg/sidecar/submit"
)

var audioTypes = map[string]string{
	".wav":  "audio/wav",
	".webm": "audio/webm",
	".ogg":  "audio/ogg",
	".opus": "audio/ogg",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".flac": "audio/flac",
}

func audioContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := audioTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func newSubmitCmd(a *app) *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Upload a recorded command and print its session id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := a.load()
			if err != nil {
				return err
			}
			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			if contentType == "" {
				contentType = audioContentType(path)
			}

			client := submit.New(cfg.ServerURL, cfg.APIKey, cfg.SubmitTimeout)
			client.Path = cfg.CommandPath
			client.MaxUploadBytes = cfg.MaxUploadBytes
			sessionID, err := client.Submit(cmd.Context(), capture.Unit{
				Data:        data,
				ContentType: contentType,
				Filename:    filepath.Base(path),
			})
			if err != nil {
				return err
			}
			logger.Debug("command submitted", "session_id", sessionID, "bytes", len(data))
			fmt.Fprintln(a.stdout, sessionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "override the detected audio content type")
	return cmd
}
