// Package generate defines the clinical-document generation contract the
// processing queue drives after transcription: SOAP notes, referral letters,
// and patient letters. The queue only depends on the Generators interface;
// the HTTP implementation targets any OpenAI-compatible chat completions
// endpoint.
package generate

import (
	"context"
)

// Generators produces clinical documents from transcript text.
type Generators interface {
	// SOAP turns a transcript into a SOAP note. extra is free-form clinical
	// context injected into the prompt (may be empty).
	SOAP(ctx context.Context, transcript, extra string) (string, error)

	// Referral writes a referral letter from an existing SOAP note.
	// conditions is an optional hint listing the conditions to refer for.
	Referral(ctx context.Context, soapNote, conditions string) (string, error)

	// Letter writes a patient or third-party letter from source content.
	// recipientType is e.g. "patient" or "specialist"; specs carries
	// free-form instructions about tone and content.
	Letter(ctx context.Context, content, recipientType, specs string) (string, error)
}
