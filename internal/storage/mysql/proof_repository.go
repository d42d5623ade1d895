package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	xerrors "AgentProof-Chain/internal/errors"
)

var (
	// ErrProofNotFound 表示证明记录不存在。
	ErrProofNotFound = xerrors.New(xerrors.CodeNotFound, "证明记录不存在")
	// ErrProofExists 表示同一任务已写入过证明。
	ErrProofExists = xerrors.New(xerrors.CodeConflict, "证明记录已存在")
)

// ProofRecord 表示一次决策证明的落库结构。哈希与签名均为 0x 十六进制字符串。
type ProofRecord struct {
	ID          string   `json:"id"`
	MerkleRoot  string   `json:"merkle_root"`
	LeafHash    string   `json:"leaf_hash"`
	MerkleProof []string `json:"merkle_proof"`
	Timestamp   uint64   `json:"timestamp"`
	Signature   string   `json:"signature"`
	Signer      string   `json:"signer"`
	ChosenIndex int      `json:"chosen_index"`
	Action      string   `json:"action"`
	Reasoning   string   `json:"reasoning"`
	HookData    string   `json:"hook_data"`
	Chain       string   `json:"chain,omitempty"`
	TxHash      string   `json:"tx_hash,omitempty"`
	CreatedAt   int64    `json:"created_at"`
}

// ProofRepository 抽象证明记录的持久化接口。
type ProofRepository interface {
	Save(ctx context.Context, record ProofRecord) error
	Get(ctx context.Context, id string) (*ProofRecord, error)
	GetByRoot(ctx context.Context, root string) ([]ProofRecord, error)
	ListLatest(ctx context.Context, limit int) ([]ProofRecord, error)
	SetTxHash(ctx context.Context, id, chain, txHash string) error
}

const memoryRetention = 512

// MemoryProofRepository 使用本地 JSON Lines 文件保存证明，方便单机开发。
type MemoryProofRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []ProofRecord
	index    map[string]int
}

// NewMemoryProofRepository 创建一个文件支撑的内存仓库。
func NewMemoryProofRepository(dataDir string) (*MemoryProofRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &MemoryProofRepository{
		dataFile: filepath.Join(dataDir, "proofs.log"),
		index:    make(map[string]int),
	}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录证明。
func (m *MemoryProofRepository) Save(_ context.Context, record ProofRecord) error {
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "证明记录 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.index[record.ID]; ok {
		return ErrProofExists
	}
	if err := m.appendLine(record); err != nil {
		return err
	}
	m.records = append([]ProofRecord{cloneRecord(record)}, m.records...)
	if len(m.records) > memoryRetention {
		m.records = m.records[:memoryRetention]
	}
	m.reindex()
	return nil
}

// Get 返回指定任务的证明。
func (m *MemoryProofRepository) Get(_ context.Context, id string) (*ProofRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.index[id]
	if !ok {
		return nil, ErrProofNotFound
	}
	record := cloneRecord(m.records[idx])
	return &record, nil
}

// GetByRoot 返回具有相同 Merkle 根的全部证明，按时间倒序。
func (m *MemoryProofRepository) GetByRoot(_ context.Context, root string) ([]ProofRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ProofRecord
	for _, record := range m.records {
		if strings.EqualFold(record.MerkleRoot, root) {
			out = append(out, cloneRecord(record))
		}
	}
	return out, nil
}

// ListLatest 返回最近的证明记录，按时间倒序排列。
func (m *MemoryProofRepository) ListLatest(_ context.Context, limit int) ([]ProofRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]ProofRecord, limit)
	for i := range results {
		results[i] = cloneRecord(m.records[i])
	}
	return results, nil
}

// SetTxHash 记录证明上链的交易哈希。更新以整行追加，加载时后写覆盖先写。
func (m *MemoryProofRepository) SetTxHash(_ context.Context, id, chain, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.index[id]
	if !ok {
		return ErrProofNotFound
	}
	updated := cloneRecord(m.records[idx])
	updated.Chain = chain
	updated.TxHash = txHash
	if err := m.appendLine(updated); err != nil {
		return err
	}
	m.records[idx] = updated
	return nil
}

func (m *MemoryProofRepository) appendLine(record ProofRecord) error {
	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开证明日志失败")
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化证明记录失败")
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入证明日志失败")
	}
	return nil
}

func (m *MemoryProofRepository) reindex() {
	m.index = make(map[string]int, len(m.records))
	for i, record := range m.records {
		m.index[record.ID] = i
	}
}

func (m *MemoryProofRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取证明日志失败: %w", err)
	}
	defer file.Close()

	latest := make(map[string]ProofRecord)
	var order []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var record ProofRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil || record.ID == "" {
			continue
		}
		if _, seen := latest[record.ID]; !seen {
			order = append(order, record.ID)
		}
		latest[record.ID] = record
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析证明日志失败: %w", err)
	}

	restored := make([]ProofRecord, 0, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		restored = append(restored, latest[order[i]])
	}
	if len(restored) > memoryRetention {
		restored = restored[:memoryRetention]
	}
	m.records = restored
	m.reindex()
	return nil
}

func cloneRecord(record ProofRecord) ProofRecord {
	record.MerkleProof = append([]string(nil), record.MerkleProof...)
	return record
}

// SQLProofRepository 使用 MySQL 或 SQLite 存储证明。
type SQLProofRepository struct {
	db *sql.DB
}

// NewSQLProofRepository 基于已迁移的连接池创建仓库。
func NewSQLProofRepository(db *sql.DB) *SQLProofRepository {
	return &SQLProofRepository{db: db}
}

const proofColumns = `id, merkle_root, leaf_hash, merkle_proof, proof_timestamp, signature, signer,
        chosen_index, action, reasoning, hook_data, chain, tx_hash, created_at`

// Save 将证明记录写入数据库。
func (s *SQLProofRepository) Save(ctx context.Context, record ProofRecord) error {
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "证明记录 ID 不能为空")
	}
	path, err := json.Marshal(nonNil(record.MerkleProof))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化证明路径失败")
	}
	const stmt = `INSERT INTO proof_records (` + proofColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		record.ID,
		record.MerkleRoot,
		record.LeafHash,
		string(path),
		record.Timestamp,
		record.Signature,
		record.Signer,
		record.ChosenIndex,
		record.Action,
		record.Reasoning,
		record.HookData,
		record.Chain,
		record.TxHash,
		record.CreatedAt,
	)
	if err != nil {
		if IsDuplicate(err) {
			return ErrProofExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入证明记录失败")
	}
	return nil
}

// Get 查询指定任务的证明。
func (s *SQLProofRepository) Get(ctx context.Context, id string) (*ProofRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proofColumns+` FROM proof_records WHERE id = ?`, id)
	record, err := scanProof(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrProofNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询证明记录失败")
	}
	return record, nil
}

// GetByRoot 查询具有相同 Merkle 根的证明。
func (s *SQLProofRepository) GetByRoot(ctx context.Context, root string) ([]ProofRecord, error) {
	return s.query(ctx, `SELECT `+proofColumns+` FROM proof_records WHERE merkle_root = ? ORDER BY created_at DESC, id DESC`,
		strings.ToLower(root))
}

// ListLatest 查询最近的若干条证明记录。
func (s *SQLProofRepository) ListLatest(ctx context.Context, limit int) ([]ProofRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.query(ctx, `SELECT `+proofColumns+` FROM proof_records ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

// SetTxHash 记录证明上链的交易哈希。
func (s *SQLProofRepository) SetTxHash(ctx context.Context, id, chain, txHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE proof_records SET chain = ?, tx_hash = ? WHERE id = ?`, chain, txHash, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易哈希失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrProofNotFound
	}
	return nil
}

func (s *SQLProofRepository) query(ctx context.Context, query string, args ...any) ([]ProofRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询证明记录失败")
	}
	defer rows.Close()

	var records []ProofRecord
	for rows.Next() {
		record, err := scanProof(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析证明记录失败")
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历证明记录失败")
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProof(row scanner) (*ProofRecord, error) {
	var record ProofRecord
	var path string
	if err := row.Scan(
		&record.ID,
		&record.MerkleRoot,
		&record.LeafHash,
		&path,
		&record.Timestamp,
		&record.Signature,
		&record.Signer,
		&record.ChosenIndex,
		&record.Action,
		&record.Reasoning,
		&record.HookData,
		&record.Chain,
		&record.TxHash,
		&record.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(path), &record.MerkleProof); err != nil {
		return nil, err
	}
	return &record, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

var (
	_ ProofRepository = (*MemoryProofRepository)(nil)
	_ ProofRepository = (*SQLProofRepository)(nil)
)
