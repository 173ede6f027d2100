package unit

import (
	"testing"

	"github.com/ehrlich-b/nvme-shadow/interceptors/encrypt"
	"github.com/stretchr/testify/require"
)

func TestEncryptNewRejectsBadKeyLength(t *testing.T) {
	_, err := encrypt.New(make([]byte, 7), nil)
	require.Error(t, err)
}

func TestEncryptNewAcceptsAES256Key(t *testing.T) {
	ic, err := encrypt.New(make([]byte, 32), nil)
	require.NoError(t, err)
	require.NotNil(t, ic.ABI())
	require.Zero(t, ic.NIntercepted())
}
