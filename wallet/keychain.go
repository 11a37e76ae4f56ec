package wallet

import (
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/blake2b"
)

const mnemonicPassword = ""
const masterKeyFilename = "master.key"
const entropyBitSize = 128

// Child indices reserved for non-output secrets. Output blinding factors
// derive under the account subtree; nonces and kernel offsets under their
// own subtrees so a leaked nonce path can never collide with a coin path.
const (
	nonceDerivationIndex  uint32 = 0x6e6f6e63
	offsetDerivationIndex uint32 = 0x6f666673
)

// KeyID is the derivation path of one secret scalar. Only the path is ever
// persisted; the scalar is recomputed from the seed whenever needed, which
// is also what makes restore-from-seed work.
type KeyID struct {
	Account uint32 `json:"account"`
	Index   uint32 `json:"index"`
	// Switch selects a switch-commitment variant of the key; zero for the
	// plain key.
	Switch uint32 `json:"switch,omitempty"`
}

func (k KeyID) String() string {
	return fmt.Sprintf("m/%d/%d/%d", k.Account, k.Index, k.Switch)
}

// ParseKeyID parses the m/account/index/switch form.
func ParseKeyID(s string) (KeyID, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 || parts[0] != "m" {
		return KeyID{}, errors.Errorf("malformed key id %q", s)
	}
	var nums [3]uint32
	for i, p := range parts[1:] {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return KeyID{}, errors.Wrapf(err, "malformed key id %q", s)
		}
		nums[i] = uint32(n)
	}
	return KeyID{Account: nums[0], Index: nums[1], Switch: nums[2]}, nil
}

// KeyChain derives every private scalar of the wallet from one bip32
// master key. Derivation is pure: the same path always yields the same
// scalar, so nothing derived here needs to be stored.
type KeyChain struct {
	persistDir string
	masterKey  *bip32.Key
}

// NewKeyChain opens the keychain of an initialized wallet directory. Fails
// if no master key exists; run Init first.
func NewKeyChain(persistDir string) (*KeyChain, error) {
	k := &KeyChain{persistDir: persistDir}
	if !k.masterKeyExists() {
		return nil, errors.Wrapf(ErrKeyDerivation, "no master key in %v, run init first", persistDir)
	}
	if err := k.readMasterKey(); err != nil {
		return nil, errors.Wrap(err, "cannot read master key")
	}
	return k, nil
}

// NewKeyChainUninitialized opens the keychain without requiring a master
// key, for the init flow.
func NewKeyChainUninitialized(persistDir string) *KeyChain {
	return &KeyChain{persistDir: persistDir}
}

// Init loads the existing master key, or creates one: from the given
// mnemonic if provided, otherwise from fresh entropy. Returns the mnemonic
// when one was generated so the user can write it down.
func (k *KeyChain) Init(mnemonic string) (createdMnemonic string, err error) {
	if k.masterKeyExists() {
		if len(mnemonic) > 0 {
			return "", errors.New("refusing to overwrite existing master key with one from mnemonic, remove it first")
		}
		err = k.readMasterKey()
		if err != nil {
			return "", errors.Wrap(err, "cannot read master key")
		}
		return "", nil
	}

	if len(mnemonic) == 0 {
		entropy, err := bip39.NewEntropy(entropyBitSize)
		if err != nil {
			return "", errors.Wrap(err, "cannot get NewEntropy from bip39")
		}
		mnemonic, err = bip39.NewMnemonic(entropy)
		if err != nil {
			return "", errors.Wrap(err, "cannot get NewMnemonic from entropy")
		}
		createdMnemonic = mnemonic
	}

	err = k.masterKeyFromMnemonic(mnemonic)
	if err != nil {
		return "", errors.Wrap(err, "cannot create master key from mnemonic")
	}

	return createdMnemonic, nil
}

// DeriveBlindingFactor recomputes the blinding factor at the given path.
func (k *KeyChain) DeriveBlindingFactor(id KeyID) (secret [32]byte, err error) {
	child, err := k.childKey(id.Account, id.Index)
	if err != nil {
		return
	}

	var switchBytes [4]byte
	binary.BigEndian.PutUint32(switchBytes[:], id.Switch)

	hash, _ := blake2b.New256(nil)
	hash.Write(child)
	hash.Write(switchBytes[:])
	copy(secret[:], hash.Sum(nil))

	return
}

// DeriveNonce derives the signing nonce for one negotiation round,
// deterministic in (seed, slate id, role) so a crashed party can resume
// from the persisted slate without ever storing the nonce.
func (k *KeyChain) DeriveNonce(slateID uuid.UUID, role ParticipantRole) (nonce [32]byte, err error) {
	child, err := k.childKey(nonceDerivationIndex, 0)
	if err != nil {
		return
	}

	hash, _ := blake2b.New256(nil)
	hash.Write(child)
	hash.Write(slateID[:])
	hash.Write([]byte{byte(role)})
	copy(nonce[:], hash.Sum(nil))

	return
}

// DeriveOffset derives the kernel offset the input-contributing party
// subtracts from its blinding excess.
func (k *KeyChain) DeriveOffset(slateID uuid.UUID) (offset [32]byte, err error) {
	child, err := k.childKey(offsetDerivationIndex, 0)
	if err != nil {
		return
	}

	hash, _ := blake2b.New256(nil)
	hash.Write(child)
	hash.Write(slateID[:])
	copy(offset[:], hash.Sum(nil))

	return
}

func (k *KeyChain) childKey(account, index uint32) ([]byte, error) {
	if k.masterKey == nil {
		return nil, ErrKeyDerivation
	}

	accountKey, err := k.masterKey.NewChildKey(account)
	if err != nil {
		return nil, errors.Wrap(ErrKeyDerivation, err.Error())
	}

	childKey, err := accountKey.NewChildKey(index)
	if err != nil {
		return nil, errors.Wrap(ErrKeyDerivation, err.Error())
	}

	childKeyBytes, err := childKey.Serialize()
	if err != nil {
		return nil, errors.Wrap(ErrKeyDerivation, err.Error())
	}

	return childKeyBytes, nil
}

func (k *KeyChain) masterKeyPath() string {
	return filepath.Join(k.persistDir, masterKeyFilename)
}

func (k *KeyChain) masterKeyExists() bool {
	_, err := os.Stat(k.masterKeyPath())
	return err == nil
}

func (k *KeyChain) masterKeyFromMnemonic(mnemonic string) error {
	seed := bip39.NewSeed(mnemonic, mnemonicPassword)

	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return errors.Wrap(err, "cannot get NewMasterKey from seed")
	}

	err = k.putMasterKey(masterKey)
	if err != nil {
		return errors.Wrap(err, "cannot putMasterKey")
	}

	k.masterKey = masterKey

	return nil
}

func (k *KeyChain) putMasterKey(masterKey *bip32.Key) error {
	masterKeyBytes, err := masterKey.Serialize()
	if err != nil {
		return errors.Wrap(err, "cannot Serialize masterKey")
	}

	if err := os.MkdirAll(k.persistDir, 0700); err != nil {
		return errors.Wrap(err, "cannot create wallet dir")
	}

	err = ioutil.WriteFile(k.masterKeyPath(), masterKeyBytes, 0600)
	if err != nil {
		return errors.Wrap(err, "cannot WriteFile with masterKey")
	}

	return nil
}

func (k *KeyChain) readMasterKey() error {
	masterKeyBytes, err := ioutil.ReadFile(k.masterKeyPath())
	if err != nil {
		return errors.Wrap(err, "cannot ReadFile with masterKey")
	}

	masterKey, err := bip32.Deserialize(masterKeyBytes)
	if err != nil {
		return errors.Wrap(err, "cannot Deserialize masterKey")
	}

	k.masterKey = masterKey

	return nil
}
