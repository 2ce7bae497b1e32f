package domain

// allowedTransitions is the image status machine. A worker attempting a
// transition not listed here must abort and leave state unchanged.
var allowedTransitions = map[ImageStatus][]ImageStatus{
	ImagePending:       {ImagePreprocessing},
	ImagePreprocessing: {ImagePreprocessed, ImageFailed},
	ImagePreprocessed:  {ImageDecodingPrimary, ImageDecodingFallback},
	// decoding_primary falls back to preprocessed (with needs_fallback set)
	// when zero codes are accepted; ambiguity routes straight to review.
	ImageDecodingPrimary:  {ImageDecodedPrimary, ImagePreprocessed, ImageManualReview},
	ImageDecodingFallback: {ImageDecodedFallback, ImageManualReview, ImageFailed},
	ImageFailed:           {ImageDecodingFallback},
	ImageManualReview:     {ImageDecodedManual, ImageFailed},
}

// CanTransition reports whether from -> to is a permitted status change.
func CanTransition(from, to ImageStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TerminalStatuses are states no worker moves an image out of, except
// failed, which re-enters fallback while retry budget remains.
func (s ImageStatus) Terminal() bool {
	switch s {
	case ImageDecodedPrimary, ImageDecodedFallback, ImageDecodedManual:
		return true
	}
	return false
}
