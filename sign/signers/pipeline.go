package signers

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/signpdfkit/SignPDFKit-Lib/sigerr"
)

const opSign = "sign"

// Signature is a signed document together with the CMS embedded in it.
type Signature struct {
	// PreSigned is the prepared state with Document replaced by the signed
	// file and State set to Signed.
	*PreSigned
	CMS []byte
}

// Sign prepares doc, asks s for a CMS over the byte-range digest and embeds
// it. When req.PlaceholderSize is zero and s implements SizeEstimator the
// placeholder is sized from its estimate.
func Sign(ctx context.Context, doc []byte, req Request, s Signer) (*Signature, error) {
	if s == nil {
		return nil, sigerr.New(sigerr.UnsupportedSignatureKind, opSign, "no signer")
	}
	if req.PlaceholderSize == 0 {
		if est, ok := s.(SizeEstimator); ok {
			req.PlaceholderSize = max(est.SignatureSize(), DefaultPlaceholderSize)
		}
	}

	pre, err := CalculateDigest(ctx, doc, req)
	if err != nil {
		return nil, err
	}

	cms, err := s.Sign(WithSigningTime(ctx, pre.SigningTime), pre.Digest)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, err
		}
		return nil, sigerr.Wrap(sigerr.IoFailure, opSign, err).ForField(pre.FieldID)
	}

	signed, err := EmbedCMS(pre, cms)
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().
		Str("field", pre.FieldID).
		Int("cms", len(cms)).
		Int("capacity", pre.ContentsCapacity()).
		Msg("signature embedded")

	done := *pre
	done.Document = signed
	done.State = Signed
	return &Signature{PreSigned: &done, CMS: cms}, nil
}
