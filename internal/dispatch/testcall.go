package dispatch

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/endpoint"
	"github.com/austindbirch/harbor_relay/internal/template"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// TestRequest describes an unsaved destination to try out.
type TestRequest struct {
	APIEndpoint     string            `json:"api_endpoint"`
	HTTPMethod      string            `json:"http_method"`
	Headers         map[string]string `json:"headers"`
	PayloadTemplate string            `json:"payload_template"`
}

// TestResult is what a test call sent and got back.
type TestResult struct {
	Success      bool   `json:"success"`
	ResponseCode int    `json:"response_code,omitempty"`
	ResponseBody string `json:"response_body,omitempty"`
	SentData     string `json:"sent_data"`
	Error        string `json:"error,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
}

// SampleData is the event data a test call renders its template against.
func (d *Dispatcher) SampleData() map[string]any {
	return map[string]any{
		"test_call":  true,
		"timestamp":  d.now().In(d.settings.Location).Format(template.TimestampLayout),
		"user_id":    1,
		"user_email": "test@example.com",
	}
}

// TestCall sends one request to a destination without touching the delivery
// log. Validation failures are returned as errors; a transport failure or a
// non-2xx answer is reported in the result.
func (d *Dispatcher) TestCall(ctx context.Context, req TestRequest) (TestResult, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.TestCall", attribute.String("api_endpoint", req.APIEndpoint))
	defer span.End()

	method, err := endpoint.NormalizeMethod(req.HTTPMethod)
	if err != nil {
		return TestResult{}, err
	}
	if err := endpoint.ValidateTemplate(req.PayloadTemplate); err != nil {
		return TestResult{}, err
	}
	headers := d.headers(req.Headers)
	if err := d.validator.Validate(req.APIEndpoint, headers); err != nil {
		return TestResult{}, err
	}
	body, err := d.renderer.BuildPayload(req.PayloadTemplate, d.SampleData())
	if err != nil {
		return TestResult{}, err
	}

	t := target{endpoint: req.APIEndpoint, method: method, headers: headers, body: body}
	res := TestResult{SentData: body}
	r, err := t.request()
	if err != nil {
		res.Error = err.Error()
		return res, nil
	}
	resp, err := d.sender.Send(ctx, r)
	res.ResponseCode = resp.StatusCode
	res.ResponseBody = resp.Body
	res.DurationMS = resp.Duration.Milliseconds()
	var terr *TransportError
	switch {
	case errors.As(err, &terr):
		res.Error = terr.Error()
	case err != nil:
		return res, err
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res.Success = true
	default:
		res.Error = (&HTTPStatusError{StatusCode: resp.StatusCode, Body: resp.Body}).Error()
	}
	d.logger.WithContext(ctx).WithEndpoint(req.APIEndpoint).WithFields(map[string]any{
		"status_code": resp.StatusCode,
		"success":     res.Success,
	}).Info("test call sent")
	return res, nil
}
