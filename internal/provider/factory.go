package provider

import (
	"fmt"
)

// Signer signs a rendered message, e.g. with DKIM.
type Signer interface {
	Sign(raw []byte) ([]byte, error)
}

// New creates the transport described by cfg. signer may be nil.
func New(cfg Config, signer Signer) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provider config: %w", err)
	}

	switch cfg.Type {
	case "smtp":
		return NewSMTP(cfg, signer), nil
	case "sendmail":
		return NewSendmail(cfg, signer), nil
	case "stdout":
		return NewStdout(cfg), nil
	case "file":
		return NewFile(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Type)
	}
}

func sign(signer Signer, raw []byte) ([]byte, error) {
	if signer == nil {
		return raw, nil
	}
	signed, err := signer.Sign(raw)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	return signed, nil
}
