package client

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"vmslink/internal/auth"
	"vmslink/pkg/models"
)

// Command names.
const (
	CmdConnect           = "Connect"
	CmdLogin             = "Login"
	CmdLiveMessage       = "LiveMessage"
	CmdRequestChallenges = "RequestChallenges"
	CmdRequestStream     = "RequestStream"
	CmdChangeStream      = "ChangeStream"
	CmdCloseStream       = "CloseStream"
	CmdDisconnect        = "Disconnect"
	CmdTriggerOutput     = "TriggerOutput"
)

// restartable commands are resubmitted once after a transport failure.
var restartable = map[string]bool{
	CmdLiveMessage:   true,
	CmdCloseStream:   true,
	CmdRequestStream: true,
	CmdDisconnect:    true,
}

// unsigned commands never carry CHAP parameters: they run before a shared
// key exists or are how challenges are obtained.
var unsigned = map[string]bool{
	CmdConnect:           true,
	CmdRequestChallenges: true,
}

var ErrMissingParam = errors.New("response is missing a required parameter")

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// ConnectInfo is the server's answer to Connect.
type ConnectInfo struct {
	ConnectionID    string `json:"connectionId"`
	ServerPublicKey string `json:"serverPublicKey,omitempty"`
	// ServerTimeout is how long the server keeps an idle connection.
	ServerTimeout time.Duration `json:"serverTimeout"`
}

// Connect opens a connection and performs the key exchange: the client
// public key goes out, the server public key is fed back into kx.
func (c *Client) Connect(ctx context.Context, kx *auth.KeyExchange) (ConnectInfo, error) {
	cmd := Command{Name: CmdConnect, Params: []Param{
		P("PublicKey", kx.PublicKey()),
		P("PrimeLength", strconv.Itoa(kx.PrimeBits())),
		P("ProcessingMessage", "No"),
	}}
	resp, err := c.Do(ctx, cmd, Options{})
	if err != nil {
		return ConnectInfo{}, err
	}
	info := ConnectInfo{
		ConnectionID:    resp.Get("ConnectionId"),
		ServerPublicKey: resp.Get("PublicKey"),
	}
	if info.ConnectionID == "" {
		return ConnectInfo{}, ErrMissingParam
	}
	if s, err := strconv.Atoi(resp.Get("ServerTimeout")); err == nil {
		info.ServerTimeout = time.Duration(s) * time.Second
	}
	if info.ServerPublicKey != "" {
		if err := kx.SetServerPublicKey(info.ServerPublicKey); err != nil {
			return ConnectInfo{}, err
		}
	}
	c.SetConnectionID(info.ConnectionID)
	c.log.Info("connected", "connection_id", info.ConnectionID, "server_timeout", info.ServerTimeout)
	return info, nil
}

// Login authenticates the connection. Credentials are encrypted with the
// session keys of kx.
func (c *Client) Login(ctx context.Context, kx *auth.KeyExchange, username, password string) (*models.Response, error) {
	user, err := kx.EncryptCredential(username)
	if err != nil {
		return nil, err
	}
	pass, err := kx.EncryptCredential(password)
	if err != nil {
		return nil, err
	}
	cmd := Command{Name: CmdLogin, Params: []Param{
		P("Username", user),
		P("Password", pass),
		P("LoginType", "Basic"),
	}}
	return c.Do(ctx, cmd, Options{})
}

// LiveMessage is the connection heartbeat.
func (c *Client) LiveMessage(ctx context.Context) (*models.Response, error) {
	return c.Do(ctx, Command{Name: CmdLiveMessage}, Options{})
}

// RequestChallenges asks for num fresh challenges. reset tells the server
// to drop the ones it issued before.
func (c *Client) RequestChallenges(ctx context.Context, num int, reset bool) ([]string, error) {
	cmd := Command{Name: CmdRequestChallenges, Params: []Param{
		P("NumChallenges", strconv.Itoa(num)),
		P("Reset", yesNo(reset)),
	}}
	resp, err := c.Do(ctx, cmd, Options{})
	if err != nil {
		return nil, err
	}
	return resp.Values("Challenge"), nil
}

// RequestStream opens a video stream and resolves its transport URL.
func (c *Client) RequestStream(ctx context.Context, sr models.StreamRequest) (models.VideoStream, error) {
	if sr.SignalType == "" {
		sr.SignalType = models.SignalLive
	}
	if sr.Method == "" {
		sr.Method = models.MethodPull
	}
	params := []Param{
		P("CameraId", sr.CameraID),
		P("SignalType", string(sr.SignalType)),
		P("MethodType", string(sr.Method)),
		P("ReuseConnection", yesNo(sr.ReuseConnection)),
	}
	if sr.Width > 0 && sr.Height > 0 {
		params = append(params, P("DestWidth", strconv.Itoa(sr.Width)), P("DestHeight", strconv.Itoa(sr.Height)))
	}
	if sr.FPS > 0 {
		params = append(params, P("Fps", strconv.Itoa(sr.FPS)))
	}
	if sr.Compress > 0 {
		params = append(params, P("ComprLevel", strconv.Itoa(sr.Compress)))
	}

	resp, err := c.Do(ctx, Command{Name: CmdRequestStream, Params: params}, Options{})
	if err != nil {
		return models.VideoStream{}, err
	}
	videoID := resp.Get("VideoId")
	if videoID == "" {
		return models.VideoStream{}, ErrMissingParam
	}
	dataType := models.DataType(strings.ToLower(resp.Get("DataType")))
	if dataType == "" {
		dataType = models.DataTypeImage
	}
	return models.VideoStream{
		CameraID:   sr.CameraID,
		VideoID:    videoID,
		SignalType: sr.SignalType,
		Method:     sr.Method,
		DataType:   dataType,
		URL:        c.StreamURL(videoID, sr.Method),
	}, nil
}

// StreamURL returns the poll URL, or for push streams the WebSocket URL, of
// a video id.
func (c *Client) StreamURL(videoID string, method models.StreamMethod) string {
	path := c.Config.VideoPath
	if method == models.MethodPush {
		path = c.Config.PushPath
	}
	u, err := url.Parse(c.Config.BaseURL)
	if err != nil {
		return c.Config.BaseURL + path + videoID + "/"
	}
	if method == models.MethodPush {
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
	}
	u.Path = strings.TrimRight(u.Path, "/") + path + url.PathEscape(videoID) + "/"
	return u.String()
}

// ChangeStream changes the output size of an open stream.
func (c *Client) ChangeStream(ctx context.Context, videoID string, width, height int) (*models.Response, error) {
	cmd := Command{Name: CmdChangeStream, Params: []Param{
		P("VideoId", videoID),
		P("DestWidth", strconv.Itoa(width)),
		P("DestHeight", strconv.Itoa(height)),
	}}
	return c.Do(ctx, cmd, Options{})
}

func (c *Client) CloseStream(ctx context.Context, videoID string) (*models.Response, error) {
	return c.Do(ctx, Command{Name: CmdCloseStream, Params: []Param{P("VideoId", videoID)}}, Options{})
}

// Disconnect closes the connection. The connection id is forgotten even if
// the server could not be reached.
func (c *Client) Disconnect(ctx context.Context) (*models.Response, error) {
	resp, err := c.Do(ctx, Command{Name: CmdDisconnect}, Options{})
	c.SetConnectionID("")
	return resp, err
}

// TriggerOutput activates an output (relay, digital out) by id.
func (c *Client) TriggerOutput(ctx context.Context, outputID string) (*models.Response, error) {
	return c.Do(ctx, Command{Name: CmdTriggerOutput, Params: []Param{P("ObjectId", outputID)}}, Options{})
}
