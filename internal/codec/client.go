package codec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/adaptive-router/internal/feedback"
)

// Collaborator RPCs. Requests and replies are google.protobuf.Struct so the
// external service can evolve its payload without regenerating stubs.
const (
	MethodProduceCandidate = "/router.v1.Collaborator/ProduceCandidate"
	MethodScore            = "/router.v1.Collaborator/Score"
	MethodSimilar          = "/router.v1.Collaborator/Similar"
)

// ErrTuningFailed wraps every failure of the tuning collaborator, timeouts included.
var ErrTuningFailed = errors.New("tuning failed")

// #region client-struct
// Client talks to the external tuning, scoring and tag-similarity service.
type Client struct {
	conn *grpc.ClientConn
	cc   grpc.ClientConnInterface
}

// #endregion client-struct

// #region constructor
// NewClient connects to the collaborator gRPC server.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, cc: conn}, nil
}

// NewClientWithConn creates a Client over an existing connection.
// Used for testing without a real gRPC server.
func NewClientWithConn(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

// #region produce-candidate
// ProduceCandidate asks the tuning collaborator for a new program payload
// derived from the current payload and a batch of feedback.
func (c *Client) ProduceCandidate(ctx context.Context, payload string, batch []feedback.Record) (string, error) {
	records := make([]any, len(batch))
	for i, r := range batch {
		sub := make(map[string]any, len(r.SubScores))
		for k, v := range r.SubScores {
			sub[k] = v
		}
		records[i] = map[string]any{
			"tag":              r.Tag,
			"version_id":       float64(r.VersionID),
			"bucket":           r.Bucket,
			"composite_score":  r.Composite,
			"sub_scores":       sub,
			"safety_violation": r.SafetyViolation,
			"timestamp":        r.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	}
	req, err := structpb.NewStruct(map[string]any{
		"payload":  payload,
		"feedback": records,
	})
	if err != nil {
		return "", fmt.Errorf("build tuning request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, MethodProduceCandidate, req, resp); err != nil {
		return "", fmt.Errorf("produce candidate rpc: %w: %w", ErrTuningFailed, err)
	}
	out := resp.GetFields()["payload"].GetStringValue()
	if out == "" {
		return "", fmt.Errorf("produce candidate: empty payload: %w", ErrTuningFailed)
	}
	return out, nil
}

// #endregion produce-candidate

// #region score
// Score asks the scoring collaborator to evaluate one execution output.
func (c *Client) Score(ctx context.Context, output string, scoreCtx map[string]string) (float64, map[string]float64, error) {
	fields := make(map[string]any, len(scoreCtx))
	for k, v := range scoreCtx {
		fields[k] = v
	}
	req, err := structpb.NewStruct(map[string]any{
		"output":  output,
		"context": fields,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("build score request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, MethodScore, req, resp); err != nil {
		return 0, nil, fmt.Errorf("score rpc: %w", err)
	}
	composite := resp.GetFields()["composite_score"].GetNumberValue()
	sub := make(map[string]float64)
	for k, v := range resp.GetFields()["sub_scores"].GetStructValue().GetFields() {
		sub[k] = v.GetNumberValue()
	}
	return composite, sub, nil
}

// #endregion score

// #region similar
// Similar asks the similarity collaborator for the closest known tag.
func (c *Client) Similar(ctx context.Context, tag string) (string, float64, error) {
	req, err := structpb.NewStruct(map[string]any{"tag": tag})
	if err != nil {
		return "", 0, fmt.Errorf("build similar request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, MethodSimilar, req, resp); err != nil {
		return "", 0, fmt.Errorf("similar rpc: %w", err)
	}
	return resp.GetFields()["tag"].GetStringValue(), resp.GetFields()["confidence"].GetNumberValue(), nil
}

// #endregion similar
