package wallet

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type leveldbDatabase struct {
	db *leveldb.DB
}

// NewLeveldbDatabase opens (creating if needed) the wallet database under
// dbDir.
func NewLeveldbDatabase(dbDir string) (d Database, err error) {
	dbFilename := filepath.Join(dbDir, "wallet")

	ldb, err := leveldb.OpenFile(dbFilename, nil)
	if err != nil {
		err = errors.Wrapf(err, "cannot open leveldb at %v", dbFilename)
		return
	}

	d = &leveldbDatabase{db: ldb}
	return
}

func (t *leveldbDatabase) Close() {
	_ = t.db.Close()
}

func outputKey(commit string) []byte {
	return []byte("output." + commit)
}

func outputRange() *util.Range {
	return util.BytesPrefix([]byte("output."))
}

func transactionKey(id uuid.UUID) []byte {
	return []byte("transaction." + id.String())
}

func slateKey(id uuid.UUID, role ParticipantRole) []byte {
	return []byte(fmt.Sprintf("slate.%s.%d", id.String(), role))
}

func (t *leveldbDatabase) PutOutput(output Output) error {
	outputBytes, err := json.Marshal(output)
	if err != nil {
		return errors.Wrap(err, "cannot marshal output into json")
	}

	err = t.db.Put(outputKey(output.Commit), outputBytes, nil)
	if err != nil {
		return errors.Wrap(err, "cannot Put output")
	}

	return nil
}

func (t *leveldbDatabase) GetOutput(commit string) (output Output, err error) {
	outputBytes, err := t.db.Get(outputKey(commit), nil)
	if err != nil {
		return Output{}, errors.Wrap(err, "cannot Get output")
	}

	err = json.Unmarshal(outputBytes, &output)
	if err != nil {
		return Output{}, errors.Wrap(err, "cannot unmarshal outputBytes")
	}

	return output, nil
}

func (t *leveldbDatabase) ListOutputs() (outputs []Output, err error) {
	outputs = make([]Output, 0)

	iter := t.db.NewIterator(outputRange(), nil)
	for iter.Next() {
		output := Output{}
		err = json.Unmarshal(iter.Value(), &output)
		if err != nil {
			iter.Release()
			return nil, errors.Wrap(err, "cannot unmarshal output in iterator")
		}
		outputs = append(outputs, output)
	}

	iter.Release()
	err = iter.Error()
	if err != nil {
		return nil, errors.Wrap(err, "cannot iterate")
	}

	return outputs, nil
}

func (t *leveldbDatabase) PutTransaction(tx TxRecord) error {
	transactionBytes, err := json.Marshal(tx)
	if err != nil {
		return errors.Wrap(err, "cannot marshal transaction into json")
	}

	err = t.db.Put(transactionKey(tx.SlateID), transactionBytes, nil)
	if err != nil {
		return errors.Wrap(err, "cannot Put transaction")
	}

	return nil
}

func (t *leveldbDatabase) GetTransaction(id uuid.UUID) (tx TxRecord, err error) {
	transactionBytes, err := t.db.Get(transactionKey(id), nil)
	if err != nil {
		return TxRecord{}, errors.Wrap(err, "cannot Get transaction")
	}

	err = json.Unmarshal(transactionBytes, &tx)
	if err != nil {
		return TxRecord{}, errors.Wrap(err, "cannot unmarshal transactionBytes")
	}

	return tx, nil
}

func (t *leveldbDatabase) ListTransactions() (transactions []TxRecord, err error) {
	transactions = make([]TxRecord, 0)

	iter := t.db.NewIterator(util.BytesPrefix([]byte("transaction.")), nil)
	for iter.Next() {
		tx := TxRecord{}
		err = json.Unmarshal(iter.Value(), &tx)
		if err != nil {
			iter.Release()
			return nil, errors.Wrap(err, "cannot unmarshal transaction in iterator")
		}
		transactions = append(transactions, tx)
	}

	iter.Release()
	err = iter.Error()
	if err != nil {
		return nil, errors.Wrap(err, "cannot iterate")
	}

	return transactions, nil
}

func (t *leveldbDatabase) PutSlate(slate *SavedSlate) error {
	slateBytes, err := json.Marshal(slate)
	if err != nil {
		return errors.Wrap(err, "cannot marshal slate into json")
	}

	err = t.db.Put(slateKey(slate.ID(), slate.Role), slateBytes, nil)
	if err != nil {
		return errors.Wrap(err, "cannot Put slate")
	}

	return nil
}

func (t *leveldbDatabase) GetSlate(id uuid.UUID, role ParticipantRole) (slate *SavedSlate, err error) {
	slateBytes, err := t.db.Get(slateKey(id, role), nil)
	if err != nil {
		return nil, errors.Wrap(err, "cannot Get slate")
	}

	slate = &SavedSlate{}

	err = json.Unmarshal(slateBytes, slate)
	if err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal slateBytes")
	}

	return slate, nil
}

func (t *leveldbDatabase) ListSlates() (slates []SavedSlate, err error) {
	slates = make([]SavedSlate, 0)

	iter := t.db.NewIterator(util.BytesPrefix([]byte("slate.")), nil)
	for iter.Next() {
		slate := SavedSlate{}
		err = json.Unmarshal(iter.Value(), &slate)
		if err != nil {
			iter.Release()
			return nil, errors.Wrap(err, "cannot unmarshal slate in iterator")
		}
		slates = append(slates, slate)
	}

	iter.Release()
	err = iter.Error()
	if err != nil {
		return nil, errors.Wrap(err, "cannot iterate")
	}

	return slates, nil
}

// Save applies all given records in one leveldb batch, so a lock/record
// sequence lands atomically or not at all.
func (t *leveldbDatabase) Save(outputs []Output, txs []TxRecord, slates []*SavedSlate) error {
	batch := new(leveldb.Batch)

	for _, output := range outputs {
		outputBytes, err := json.Marshal(output)
		if err != nil {
			return errors.Wrap(err, "cannot marshal output into json")
		}
		batch.Put(outputKey(output.Commit), outputBytes)
	}

	for _, tx := range txs {
		transactionBytes, err := json.Marshal(tx)
		if err != nil {
			return errors.Wrap(err, "cannot marshal transaction into json")
		}
		batch.Put(transactionKey(tx.SlateID), transactionBytes)
	}

	for _, slate := range slates {
		slateBytes, err := json.Marshal(slate)
		if err != nil {
			return errors.Wrap(err, "cannot marshal slate into json")
		}
		batch.Put(slateKey(slate.ID(), slate.Role), slateBytes)
	}

	err := t.db.Write(batch, nil)
	if err != nil {
		return errors.Wrap(err, "cannot Write batch")
	}

	return nil
}

const indexKey = "index"

func (t *leveldbDatabase) CurrentIndex() (uint32, error) {
	exists, err := t.db.Has([]byte(indexKey), nil)
	if err != nil {
		return 0, errors.Wrap(err, "cannot check if Has index")
	}
	if !exists {
		return 0, nil
	}

	indexBytes, err := t.db.Get([]byte(indexKey), nil)
	if err != nil {
		return 0, errors.Wrap(err, "cannot Get index")
	}

	return binary.BigEndian.Uint32(indexBytes), nil
}

func (t *leveldbDatabase) NextIndex() (uint32, error) {
	exists, err := t.db.Has([]byte(indexKey), nil)
	if err != nil {
		return 0, errors.Wrap(err, "cannot check if Has index")
	}

	var index uint32 = 0
	var indexBytes = make([]byte, 4)

	if exists {
		indexBytes, err := t.db.Get([]byte(indexKey), nil)
		if err != nil {
			return 0, errors.Wrap(err, "cannot Get index")
		}

		index = binary.BigEndian.Uint32(indexBytes)
		index++
	}

	binary.BigEndian.PutUint32(indexBytes, index)

	err = t.db.Put([]byte(indexKey), indexBytes, nil)
	if err != nil {
		return 0, errors.Wrap(err, "cannot Put index")
	}

	return index, nil
}
