package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/k11v/appbuild/internal/build"
)

// newSubmitCmd creates the "appbuildctl submit" subcommand.
func newSubmitCmd(newClient func() *client) *cobra.Command {
	var (
		file     string
		attach   []string
		nonce    string
		secret   string
		newNonce bool
	)

	cmd := &cobra.Command{
		Use:   "submit -f request.yaml",
		Short: "Submit a build request",
		Long:  "Reads a request from a YAML or JSON file and posts it to the server.\nLocal files given with --attach are sent as data URI attachments.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readRequest(file)
			if err != nil {
				return err
			}
			for _, a := range attach {
				attachment, err := attachmentFromFile(a)
				if err != nil {
					return err
				}
				req.Attachments = append(req.Attachments, attachment)
			}
			if nonce != "" {
				req.Nonce = nonce
			}
			if req.Nonce == "" || newNonce {
				req.Nonce = uuid.NewString()
			}
			if secret != "" {
				req.Secret = secret
			}

			body, err := newClient().Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			return writeIndented(cmd.OutOrStdout(), body)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "request file in YAML or JSON, - for stdin")
	cmd.Flags().StringArrayVar(&attach, "attach", nil, "attach a local file as [name=]path, repeatable")
	cmd.Flags().StringVar(&nonce, "nonce", "", "override the nonce of the request")
	cmd.Flags().BoolVar(&newNonce, "new-nonce", false, "generate a fresh nonce")
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("APPBUILD_SECRET"), "override the secret of the request (env APPBUILD_SECRET)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// readRequest decodes a request from a YAML or JSON file.
func readRequest(name string) (*build.Request, error) {
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return nil, err
	}

	var req build.Request
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err = dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: empty request", name)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &req, nil
}

// attachmentFromFile reads an --attach value of the form [name=]path into a data URI attachment.
func attachmentFromFile(value string) (build.Attachment, error) {
	name, path, ok := strings.Cut(value, "=")
	if !ok {
		path = value
		name = filepath.Base(value)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return build.Attachment{}, err
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}

	return build.Attachment{
		Name:      name,
		SourceURI: "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data),
	}, nil
}

func writeIndented(w io.Writer, body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		_, err = w.Write(body)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
