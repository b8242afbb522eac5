package settlement

import (
	"math/big"

	"github.com/MarkoPoloResearchLab/ridepay/pkg/ledger"
)

const basisPointsDenominator = 10000

// SplitFee returns the platform fee, rounded half up, and the driver share of amount.
// The two always sum to amount. The product is taken in big.Int so converted amounts near the int64 limit
// cannot overflow.
func SplitFee(amount ledger.Amount, feeBasisPoints int64) (ledger.Amount, ledger.Amount) {
	product := new(big.Int).Mul(big.NewInt(amount.Int64()), big.NewInt(feeBasisPoints))
	product.Add(product, big.NewInt(basisPointsDenominator/2))
	fee := ledger.Amount(product.Quo(product, big.NewInt(basisPointsDenominator)).Int64())
	return fee, amount - fee
}
