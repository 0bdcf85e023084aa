package tx

import (
	"encoding/json"
	"testing"
	"time"
)

// FuzzTxUnmarshal tests that arbitrary JSON input does not panic when
// unmarshaled into a Transaction and run through the validation paths.
func FuzzTxUnmarshal(f *testing.F) {
	f.Add([]byte(`{"sender":"0000000000000000000000000000000000000000","recipient":"0000000000000000000000000000000000000000","amount":"1.00000000","fee":"0.00000001","timestamp":0,"tx_type":"transfer"}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))
	f.Add([]byte(`{"tx_type":"coinbase","outputs":[{"address":"0000000000000000000000000000000000000000","amount":"50.00000000"}]}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var transaction Transaction
		if err := json.Unmarshal(data, &transaction); err != nil {
			return
		}
		// If unmarshal succeeded, these must not panic.
		transaction.ComputeTxID()
		transaction.CanonicalBytes()
		_ = transaction.Validate(time.Now())
		_ = transaction.VerifySignature()
	})
}
