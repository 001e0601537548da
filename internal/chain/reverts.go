package chain

import (
	"fmt"
	"strings"
)

// RevertError is a mint revert mapped to user-facing guidance. Retryable
// reverts can be resolved by the client (fresh voucher, regenerate, wait);
// terminal ones cannot.
type RevertError struct {
	Name      string
	Message   string
	Retryable bool
	raw       error
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("mint reverted (%s): %s", e.Name, e.Message)
}

func (e *RevertError) Unwrap() error { return e.raw }

// revertReasons maps the contract's named revert reasons onto messages and
// retryability. Order matters only for readability; matching is by substring
// of the RPC error text.
var revertReasons = []struct {
	name      string
	message   string
	retryable bool
}{
	{"MintingPaused", "Minting is temporarily paused. Try again later.", true},
	{"SignatureExpired", "Your mint authorization expired. Request a new voucher.", true},
	{"DeadlineTooLong", "Authorization window rejected by the contract. Request a new voucher.", true},
	{"CallerMismatch", "This voucher was issued to a different wallet.", false},
	{"SignatureAlreadyUsed", "This voucher has already been used. Request a new voucher.", true},
	{"InvalidSignature", "Mint authorization could not be validated.", false},
	{"MaxSupplyReached", "All Geoplets have been minted.", false},
	{"FidAlreadyMinted", "A Geoplet already exists for this Farcaster account.", false},
	{"InvalidRecipient", "Mint recipient address is not valid.", false},
	{"EmptyImageData", "No artwork attached to the mint. Generate an image first.", true},
	{"ImageTooLarge", "Artwork is too large to store on-chain. Generate a smaller image.", true},
}

// MapRevert classifies an eth_call / transaction error. Unknown reverts stay
// retryable: transient gas and node issues dominate that bucket.
func MapRevert(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, r := range revertReasons {
		if strings.Contains(msg, r.name) {
			return &RevertError{Name: r.name, Message: r.message, Retryable: r.retryable, raw: err}
		}
	}
	return &RevertError{
		Name:      "Unknown",
		Message:   "Mint simulation failed. Please try again.",
		Retryable: true,
		raw:       err,
	}
}
