// Package store is the persistent Index: a single-file SQLite database
// of blocks, merkle-blocks, transactions, inputs and outputs, plus the
// derived views (view_utxo, view_tx, view_tx_fees) balance and history
// queries read from. Writes serialize through a single exclusive
// writer; reads run concurrently, following the multi-reader,
// single-writer split the sync controller relies on.
package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	_ "modernc.org/sqlite"

	"github.com/coinwatch/spvsync/spverrors"
)

const (
	pragmaOptionPrefix = "_pragma"
	txLockImmediate    = "_txlock=immediate"

	defaultMaxConns        = 8
	defaultConnMaxLifetime = 30 * time.Minute
)

// Header holds the seven fields common to every block header seen over
// the wire, whether or not it was ever fetched as a merkle-block.
type Header struct {
	Hash       chainhash.Hash
	Version    int32
	PrevHash   chainhash.Hash
	MerkleRoot chainhash.Hash
	Timestamp  time.Time
	Bits       uint32
	Nonce      uint32
}

// MerkleBlock is a Header plus the fields assigned once the block is
// actually pulled down and verified: its position in the sync walk
// (Height) and the transaction count the partial merkle tree commits
// to.
type MerkleBlock struct {
	Header
	Height            int32
	TotalTransactions uint32
}

// TxIn is one spend, with Address already resolved by the extractor
// (empty string if the signature script matched none of the recognized
// shapes).
type TxIn struct {
	InputIndex uint32
	PrevTxID   string
	PrevIndex  uint32
	Script     []byte
	Sequence   uint32
	Address    string
}

// TxOut is one payment, with Address already resolved by the extractor.
type TxOut struct {
	OutputIndex uint32
	Value       int64
	Script      []byte
	Address     string
}

// Transaction is what add_transaction persists: a tx_id, the
// merkle-block it was confirmed in, and its resolved inputs/outputs.
type Transaction struct {
	TxID      string
	BlockHash chainhash.Hash
	Version   int32
	LockTime  uint32
	Inputs    []TxIn
	Outputs   []TxOut
}

// PaymentState is a Payment's direction relative to the address a query
// was made against.
type PaymentState string

const (
	StateSent     PaymentState = "sent"
	StateReceived PaymentState = "received"
	StateUnknown  PaymentState = "unknown"
)

// Payment is a derived view row: one economically observable movement
// of value, described relative to a query address (or unresolved, for
// transaction lookups made by hash alone).
type Payment struct {
	State         PaymentState
	OutputIndex   uint32
	Amount        int64
	FromAddress   string
	ToAddress     string
	TxID          string
	BlockHeight   int32
	Timestamp     time.Time
	Confirmations int32
	Fee           *int64
}

// Store is the Index. Reads may run concurrently; AddBlock,
// AddMerkleBlock, and AddTransaction serialize on writeMu, matching the
// single-writer model the sync controller assumes.
type Store struct {
	db        *sqlx.DB
	writeMu   sync.Mutex
	encrypted *encryptionState
}

// Open opens (creating if absent) the SQLite database at path and
// brings its schema up to date.
func Open(path string) (*Store, error) {
	return open(path)
}

func open(path string) (*Store, error) {
	pragmas := url.Values{}
	for _, p := range []struct{ name, value string }{
		{"foreign_keys", "on"},
		{"journal_mode", "WAL"},
		{"busy_timeout", "5000"},
		{"synchronous", "normal"},
	} {
		pragmas.Add(pragmaOptionPrefix, fmt.Sprintf("%s=%s", p.name, p.value))
	}
	dsn := fmt.Sprintf("%s?%s&%s", path, pragmas.Encode(), txLockImmediate)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, spverrors.NewStoreError("open", err)
	}
	sqlDB.SetMaxOpenConns(defaultMaxConns)
	sqlDB.SetConnMaxLifetime(defaultConnMaxLifetime)

	if err := applyMigrations(sqlDB); err != nil {
		sqlDB.Close()
		return nil, spverrors.NewStoreError("migrate", err)
	}

	log.Infof("opened database %s", path)
	return &Store{db: sqlx.NewDb(sqlDB, "sqlite")}, nil
}

// Close releases the underlying database handle. See encrypted.go for
// the OpenEncrypted variant, which reseals the plaintext temp file back
// to its source path first.

// AddBlock upserts a header seen via a headers message, independent of
// whether it is ever fetched as a merkle-block.
func (s *Store) AddBlock(h Header) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO block (hash, version, prev_hash, merkle_root, timestamp, bits, nonce)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			version = excluded.version,
			prev_hash = excluded.prev_hash,
			merkle_root = excluded.merkle_root,
			timestamp = excluded.timestamp,
			bits = excluded.bits,
			nonce = excluded.nonce`,
		h.Hash.String(), h.Version, h.PrevHash.String(), h.MerkleRoot.String(),
		h.Timestamp.Unix(), h.Bits, h.Nonce,
	)
	if err != nil {
		return spverrors.NewStoreError("add_block", err)
	}
	return nil
}

// AddMerkleBlock upserts a block that was fetched and merkle-verified,
// with its assigned sync-walk height.
func (s *Store) AddMerkleBlock(mb MerkleBlock) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	dbTx, err := s.db.Beginx()
	if err != nil {
		return spverrors.NewStoreError("add_merkleblock", err)
	}
	defer dbTx.Rollback()

	if err := insertMerkleBlock(dbTx, mb); err != nil {
		return spverrors.NewStoreError("add_merkleblock", err)
	}
	if err := dbTx.Commit(); err != nil {
		return spverrors.NewStoreError("add_merkleblock", err)
	}
	return nil
}

func insertMerkleBlock(dbTx *sqlx.Tx, mb MerkleBlock) error {
	_, err := dbTx.Exec(`
		INSERT INTO merkleblock
			(hash, height, version, prev_hash, merkle_root, timestamp, bits, nonce, total_transactions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			height = excluded.height,
			version = excluded.version,
			prev_hash = excluded.prev_hash,
			merkle_root = excluded.merkle_root,
			timestamp = excluded.timestamp,
			bits = excluded.bits,
			nonce = excluded.nonce,
			total_transactions = excluded.total_transactions`,
		mb.Hash.String(), mb.Height, mb.Version, mb.PrevHash.String(),
		mb.MerkleRoot.String(), mb.Timestamp.Unix(), mb.Bits, mb.Nonce,
		mb.TotalTransactions,
	)
	return err
}

// AddTransaction upserts a confirmed transaction. Existing txin/txout
// rows for tx.TxID are deleted before the new ones are inserted, so a
// corrected re-emission fully replaces stale rows rather than layering
// on top of them.
func (s *Store) AddTransaction(tx Transaction) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	dbTx, err := s.db.Beginx()
	if err != nil {
		return spverrors.NewStoreError("add_transaction", err)
	}
	defer dbTx.Rollback()

	if err := insertTransaction(dbTx, tx); err != nil {
		return spverrors.NewStoreError("add_transaction", err)
	}
	if err := dbTx.Commit(); err != nil {
		return spverrors.NewStoreError("add_transaction", err)
	}
	return nil
}

// AddMerkleBlockWithTransactions persists a merkle-verified block and
// every one of its matching transactions as a single atomic write: the
// merkleblock row is inserted first, since tx.block_hash has a foreign
// key on it, but the commit covers both, so a reader never observes a
// merkle-block row whose matching transactions are still missing, and
// a failure anywhere in the batch leaves neither behind.
func (s *Store) AddMerkleBlockWithTransactions(mb MerkleBlock, txs []Transaction) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	dbTx, err := s.db.Beginx()
	if err != nil {
		return spverrors.NewStoreError("add_merkleblock", err)
	}
	defer dbTx.Rollback()

	if err := insertMerkleBlock(dbTx, mb); err != nil {
		return spverrors.NewStoreError("add_merkleblock", err)
	}
	for _, tx := range txs {
		if err := insertTransaction(dbTx, tx); err != nil {
			return spverrors.NewStoreError("add_transaction", err)
		}
	}
	if err := dbTx.Commit(); err != nil {
		return spverrors.NewStoreError("add_merkleblock", err)
	}
	return nil
}

func insertTransaction(dbTx *sqlx.Tx, tx Transaction) error {
	_, err := dbTx.Exec(`
		INSERT INTO tx (tx_id, block_hash, version, lock_time)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tx_id) DO UPDATE SET
			block_hash = excluded.block_hash,
			version = excluded.version,
			lock_time = excluded.lock_time`,
		tx.TxID, tx.BlockHash.String(), tx.Version, tx.LockTime,
	)
	if err != nil {
		return err
	}

	if _, err := dbTx.Exec(`DELETE FROM txin WHERE tx_id = ?`, tx.TxID); err != nil {
		return err
	}
	if _, err := dbTx.Exec(`DELETE FROM txout WHERE tx_id = ?`, tx.TxID); err != nil {
		return err
	}

	for _, in := range tx.Inputs {
		addrID, err := resolveAddressID(dbTx, in.Address)
		if err != nil {
			return err
		}
		_, err = dbTx.Exec(`
			INSERT INTO txin (tx_id, input_index, prev_tx_id, prev_index, script, sequence, address_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			tx.TxID, in.InputIndex, in.PrevTxID, in.PrevIndex, in.Script, in.Sequence, addrID,
		)
		if err != nil {
			return err
		}
	}

	for _, out := range tx.Outputs {
		addrID, err := resolveAddressID(dbTx, out.Address)
		if err != nil {
			return err
		}
		_, err = dbTx.Exec(`
			INSERT INTO txout (tx_id, output_index, value, script, address_id)
			VALUES (?, ?, ?, ?, ?)`,
			tx.TxID, out.OutputIndex, out.Value, out.Script, addrID,
		)
		if err != nil {
			return err
		}
	}

	return nil
}

// resolveAddressID interns addr into the address table and returns its
// row id, or a null id if addr is empty (the extractor found no
// recognized shape).
func resolveAddressID(tx *sqlx.Tx, addr string) (sql.NullInt64, error) {
	if addr == "" {
		return sql.NullInt64{}, nil
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO address (address) VALUES (?)`, addr); err != nil {
		return sql.NullInt64{}, err
	}
	var id int64
	if err := tx.Get(&id, `SELECT id FROM address WHERE address = ?`, addr); err != nil {
		return sql.NullInt64{}, err
	}
	return sql.NullInt64{Int64: id, Valid: true}, nil
}

// CalculateBalance sums the value of every unspent output owned by
// addr.
func (s *Store) CalculateBalance(addr string) (int64, error) {
	var total sql.NullInt64
	err := s.db.Get(&total, `SELECT SUM(value) FROM view_utxo WHERE out_address = ?`, addr)
	if err != nil {
		return 0, spverrors.NewStoreError("calculate_balance", err)
	}
	return total.Int64, nil
}

// LatestBlockHeight returns the height of the most recently timestamped
// merkle-block, or ok=false if the store is empty.
func (s *Store) LatestBlockHeight() (int32, bool, error) {
	var height sql.NullInt64
	err := s.db.Get(&height, `SELECT height FROM merkleblock ORDER BY timestamp DESC LIMIT 1`)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, spverrors.NewStoreError("latest_block_height", err)
	}
	return int32(height.Int64), true, nil
}

// LatestBlockHash returns the hash of the most recently timestamped
// merkle-block, or ok=false if the store is empty.
func (s *Store) LatestBlockHash() (chainhash.Hash, bool, error) {
	var hexHash string
	err := s.db.Get(&hexHash, `SELECT hash FROM merkleblock ORDER BY timestamp DESC LIMIT 1`)
	if err == sql.ErrNoRows {
		return chainhash.Hash{}, false, nil
	}
	if err != nil {
		return chainhash.Hash{}, false, spverrors.NewStoreError("latest_block_hash", err)
	}
	h, err := chainhash.NewHashFromStr(hexHash)
	if err != nil {
		return chainhash.Hash{}, false, spverrors.NewConversionError("latest_block_hash", err)
	}
	return *h, true, nil
}

// txInputSummary is the aggregate view of one transaction's inputs and
// outputs used to compute a Payment relative to a query address.
type txInputSummary struct {
	blockHeight     int32
	timestamp       time.Time
	sentByAddr      int64
	receivedByAddr  int64
	totalOutputs    int64
	fee             *int64
	firstInputAddr  string
	firstOutputAddr string
	addrInInputs    bool
}

func (s *Store) summarize(txID, addr string) (*txInputSummary, bool, error) {
	var height int32
	var ts int64
	err := s.db.QueryRow(`
		SELECT mb.height, mb.timestamp
		FROM tx JOIN merkleblock mb ON mb.hash = tx.block_hash
		WHERE tx.tx_id = ?`, txID).Scan(&height, &ts)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	sum := &txInputSummary{blockHeight: height, timestamp: time.Unix(ts, 0).UTC()}

	rows, err := s.db.Query(`
		SELECT txin.input_index, COALESCE(a.address, ''), COALESCE(prev.value, -1)
		FROM txin
		LEFT JOIN address a ON a.id = txin.address_id
		LEFT JOIN txout prev ON prev.tx_id = txin.prev_tx_id AND prev.output_index = txin.prev_index
		WHERE txin.tx_id = ?
		ORDER BY txin.input_index`, txID)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	unresolvedInput := false
	var inputTotal int64
	first := true
	for rows.Next() {
		var idx uint32
		var inAddr string
		var prevValue int64
		if err := rows.Scan(&idx, &inAddr, &prevValue); err != nil {
			return nil, false, err
		}
		if first {
			sum.firstInputAddr = inAddr
			first = false
		}
		if inAddr != "" && inAddr == addr {
			sum.addrInInputs = true
		}
		if prevValue < 0 {
			unresolvedInput = true
			continue
		}
		inputTotal += prevValue
		if inAddr != "" && inAddr == addr {
			sum.sentByAddr += prevValue
		}
	}

	outRows, err := s.db.Query(`
		SELECT output_index, COALESCE((SELECT address FROM address WHERE id = txout.address_id), ''), value
		FROM txout WHERE tx_id = ? ORDER BY output_index`, txID)
	if err != nil {
		return nil, false, err
	}
	defer outRows.Close()

	first = true
	for outRows.Next() {
		var idx uint32
		var outAddr string
		var value int64
		if err := outRows.Scan(&idx, &outAddr, &value); err != nil {
			return nil, false, err
		}
		if first {
			sum.firstOutputAddr = outAddr
			first = false
		}
		sum.totalOutputs += value
		if outAddr != "" && outAddr == addr {
			sum.receivedByAddr += value
		}
	}

	if !unresolvedInput {
		fee := inputTotal - sum.totalOutputs
		sum.fee = &fee
	}

	return sum, true, nil
}

// paymentForAddr builds the Payment scenario 2/4 of a payments-history
// query expect: sent-side amount is the value that left addr's
// control (its spent inputs), received-side amount is what addr took
// in, and a tx where addr appears on both sides (a self-transfer) is
// suppressed entirely.
func paymentForAddr(txID, addr string, sum *txInputSummary) (*Payment, bool) {
	switch {
	case sum.addrInInputs && sum.receivedByAddr > 0:
		return nil, false
	case sum.sentByAddr > 0:
		return &Payment{
			State:       StateSent,
			Amount:      sum.sentByAddr,
			FromAddress: addr,
			ToAddress:   sum.firstOutputAddr,
			TxID:        txID,
			BlockHeight: sum.blockHeight,
			Timestamp:   sum.timestamp,
			Fee:         sum.fee,
		}, true
	case sum.receivedByAddr > 0:
		return &Payment{
			State:       StateReceived,
			Amount:      sum.receivedByAddr,
			FromAddress: sum.firstInputAddr,
			ToAddress:   addr,
			TxID:        txID,
			BlockHeight: sum.blockHeight,
			Timestamp:   sum.timestamp,
			Fee:         sum.fee,
		}, true
	default:
		return nil, false
	}
}

// confirmations implements the store's confirmation-count invariant:
// a tx at height h has max(0, latestHeight-h) confirmations.
func confirmations(latestHeight, blockHeight int32) int32 {
	c := latestHeight - blockHeight
	if c < 0 {
		return 0
	}
	return c
}

// Transactions returns every payment addr sent or received, newest
// first, one row per transaction (self-transfers excluded). A receive
// whose output has since been spent is not listed on its own: the
// value it carried already shows up as the spend's sent row, so only
// addr's spending transaction (matched via ia.address) counts, not
// the funding transaction that first paid addr (matched via
// oa.address, but only while that output remains unspent).
func (s *Store) Transactions(addr string) ([]Payment, error) {
	var txIDs []string
	err := s.db.Select(&txIDs, `
		SELECT DISTINCT tx.tx_id
		FROM tx
		LEFT JOIN txin ON txin.tx_id = tx.tx_id
		LEFT JOIN txout ON txout.tx_id = tx.tx_id
		LEFT JOIN address ia ON ia.id = txin.address_id
		LEFT JOIN address oa ON oa.id = txout.address_id
		WHERE ia.address = ?
		   OR (oa.address = ? AND NOT EXISTS (
		         SELECT 1 FROM txin sp
		         WHERE sp.prev_tx_id = txout.tx_id AND sp.prev_index = txout.output_index
		       ))`, addr, addr)
	if err != nil {
		return nil, spverrors.NewStoreError("transactions", err)
	}

	latestHeight, haveTip, err := s.LatestBlockHeight()
	if err != nil {
		return nil, err
	}

	out := make([]Payment, 0, len(txIDs))
	for _, txID := range txIDs {
		sum, ok, err := s.summarize(txID, addr)
		if err != nil {
			return nil, spverrors.NewStoreError("transactions", err)
		}
		if !ok {
			continue
		}
		p, ok := paymentForAddr(txID, addr, sum)
		if !ok {
			continue
		}
		if haveTip {
			p.Confirmations = confirmations(latestHeight, p.BlockHeight)
		}
		out = append(out, *p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// UnspentTransactions returns the rows of view_utxo owned by addr.
func (s *Store) UnspentTransactions(addr string) ([]Payment, error) {
	type utxoRow struct {
		TxID        string `db:"tx_id"`
		OutputIndex uint32 `db:"output_index"`
		Value       int64  `db:"value"`
		BlockHeight int32  `db:"block_height"`
		Timestamp   int64  `db:"timestamp"`
	}
	var rows []utxoRow
	err := s.db.Select(&rows, `
		SELECT tx_id, output_index, value, block_height, timestamp
		FROM view_utxo WHERE out_address = ?
		ORDER BY timestamp DESC`, addr)
	if err != nil {
		return nil, spverrors.NewStoreError("unspent_transactions", err)
	}

	latestHeight, haveTip, err := s.LatestBlockHeight()
	if err != nil {
		return nil, err
	}

	out := make([]Payment, 0, len(rows))
	for _, r := range rows {
		p := Payment{
			State:       StateReceived,
			OutputIndex: r.OutputIndex,
			Amount:      r.Value,
			ToAddress:   addr,
			TxID:        r.TxID,
			BlockHeight: r.BlockHeight,
			Timestamp:   time.Unix(r.Timestamp, 0).UTC(),
		}
		if haveTip {
			p.Confirmations = confirmations(latestHeight, r.BlockHeight)
		}
		out = append(out, p)
	}
	return out, nil
}

// Transaction looks up a single confirmed transaction by id, with no
// query address in context: State is StateUnknown and From/To reflect
// the tx's first input and first output, matching view_tx's shape.
// Returns ok=false if the tx_id is unknown.
func (s *Store) Transaction(txID string) (*Payment, bool, error) {
	type viewRow struct {
		FromAddress sql.NullString `db:"from_address"`
		ToAddress   sql.NullString `db:"to_address"`
		Amount      int64          `db:"amount"`
		BlockHeight int32          `db:"block_height"`
		Timestamp   int64          `db:"timestamp"`
	}
	var rows []viewRow
	err := s.db.Select(&rows, `
		SELECT from_address, to_address, amount, block_height, timestamp
		FROM view_tx WHERE tx_id = ?`, txID)
	if err != nil {
		return nil, false, spverrors.NewStoreError("transaction", err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}

	var fee sql.NullInt64
	_ = s.db.Get(&fee, `SELECT fee FROM view_tx_fees WHERE tx_id = ?`, txID)

	var feePtr *int64
	if fee.Valid {
		f := fee.Int64
		feePtr = &f
	}

	latestHeight, haveTip, err := s.LatestBlockHeight()
	if err != nil {
		return nil, false, err
	}

	first := rows[0]
	p := &Payment{
		State:       StateUnknown,
		FromAddress: first.FromAddress.String,
		ToAddress:   first.ToAddress.String,
		Amount:      first.Amount,
		TxID:        txID,
		BlockHeight: first.BlockHeight,
		Timestamp:   time.Unix(first.Timestamp, 0).UTC(),
		Fee:         feePtr,
	}
	if haveTip {
		p.Confirmations = confirmations(latestHeight, first.BlockHeight)
	}
	return p, true, nil
}
