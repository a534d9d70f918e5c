package gmailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"

	"invoice_dispatch_bot/internal/domain/mail"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const gmailUser = "me"

// Client implements mail.Mailer over the Gmail API. Credentials follow the
// usual Google OAuth desktop flow: a credentials.json from the cloud
// console and a token.json cached after the first interactive
// authorization.
type Client struct {
	srv *gmail.Service
}

// NewClient builds a Gmail client from the given credential and token
// files. If no cached token exists the user is walked through the
// authorization URL flow on the terminal once.
func NewClient(ctx context.Context, credentialsFile, tokenFile string) (*Client, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}
	oauthConfig, err := google.ConfigFromJSON(b, gmail.GmailSendScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	httpClient, err := oauthClient(ctx, oauthConfig, tokenFile)
	if err != nil {
		return nil, err
	}
	srv, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return &Client{srv: srv}, nil
}

func oauthClient(ctx context.Context, config *oauth2.Config, tokenFile string) (*http.Client, error) {
	tok, err := tokenFromFile(tokenFile)
	if err != nil {
		tok, err = tokenFromWeb(ctx, config)
		if err != nil {
			return nil, err
		}
		if err := saveToken(tokenFile, tok); err != nil {
			return nil, err
		}
	}
	return config.Client(ctx, tok), nil
}

func tokenFromWeb(ctx context.Context, config *oauth2.Config) (*oauth2.Token, error) {
	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Printf("Go to the following link in your browser then type the "+
		"authorization code: \n%v\n", authURL)
	var authCode string
	if _, err := fmt.Scan(&authCode); err != nil {
		return nil, fmt.Errorf("unable to read authorization code: %w", err)
	}
	tok, err := config.Exchange(ctx, authCode)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve token from web: %w", err)
	}
	return tok, nil
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

func saveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("unable to save oauth token: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// Send builds an RFC 2822 message with the attachment and submits it via
// the Gmail API, returning the Gmail message id.
func (c *Client) Send(ctx context.Context, req *mail.Request) (string, error) {
	raw, err := buildMessage(req)
	if err != nil {
		return "", err
	}
	msg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)}
	res, err := c.srv.Users.Messages.Send(gmailUser, msg).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("sending message via gmail: %w", err)
	}
	return res.Id, nil
}

func buildMessage(req *mail.Request) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(req.To, ", "))
	if len(req.CC) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(req.CC, ", "))
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", req.Subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", mw.Boundary())

	textHeader := textproto.MIMEHeader{}
	textHeader.Set("Content-Type", `text/plain; charset="UTF-8"`)
	part, err := mw.CreatePart(textHeader)
	if err != nil {
		return nil, fmt.Errorf("building message body: %w", err)
	}
	if _, err := io.WriteString(part, req.Body); err != nil {
		return nil, fmt.Errorf("building message body: %w", err)
	}

	if req.AttachmentPath != "" {
		if err := attach(mw, req.AttachmentPath); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing message: %w", err)
	}
	return buf.Bytes(), nil
}

func attach(mw *multipart.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading attachment %s: %w", path, err)
	}

	name := filepath.Base(path)
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	header := textproto.MIMEHeader{}
	header.Set("Content-Type", fmt.Sprintf("%s; name=%q", contentType, name))
	header.Set("Content-Transfer-Encoding", "base64")
	header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	part, err := mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("building attachment part: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	// RFC 2045 line length limit
	for len(encoded) > 0 {
		n := 76
		if n > len(encoded) {
			n = len(encoded)
		}
		if _, err := io.WriteString(part, encoded[:n]+"\r\n"); err != nil {
			return fmt.Errorf("building attachment part: %w", err)
		}
		encoded = encoded[n:]
	}
	return nil
}
