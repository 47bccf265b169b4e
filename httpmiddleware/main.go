package httpmiddleware

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

type HttpRequestStruct struct {
	Method  string
	Url     string
	Body    io.Reader
	Headers map[string]string
}

var client = &http.Client{Timeout: 120 * time.Second}

// HttpRequest performs a single HTTP round trip and returns the response body.
// Non-2xx responses are returned as errors carrying the body text.
func HttpRequest(args HttpRequestStruct) ([]byte, error) {
	tracer := otel.Tracer("httpmiddleware/HttpRequest")
	_, span := tracer.Start(context.Background(), "HttpRequest")
	defer span.End()

	span.SetAttributes(
		attribute.String("http.method", args.Method),
		attribute.String("http.url", args.Url),
	)

	req, err := http.NewRequest(args.Method, args.Url, args.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("could not build request: %w", err)
	}

	for key, value := range args.Headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("could not read response body: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
		span.RecordError(err)
		return nil, err
	}

	return body, nil
}
