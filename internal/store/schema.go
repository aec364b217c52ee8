package store

const schemaSQL = `
CREATE TABLE IF NOT EXISTS profiles (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  handle TEXT NOT NULL UNIQUE,
  bio TEXT,
  trading_style TEXT NOT NULL,
  risk_tolerance REAL NOT NULL DEFAULT 0.5,
  favorite_assets TEXT,
  traits TEXT,
  address TEXT,
  is_active INTEGER NOT NULL DEFAULT 1,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
  id TEXT PRIMARY KEY,
  profile_id TEXT NOT NULL,
  market TEXT NOT NULL,
  side TEXT NOT NULL,
  size REAL NOT NULL,
  price REAL,
  reasoning TEXT,
  confidence REAL,
  order_id TEXT,
  status TEXT NOT NULL,
  created_at TEXT NOT NULL,
  FOREIGN KEY(profile_id) REFERENCES profiles(id)
);

CREATE INDEX IF NOT EXISTS idx_trades_profile_created ON trades(profile_id, created_at);

CREATE TABLE IF NOT EXISTS chat_messages (
  id TEXT PRIMARY KEY,
  profile_id TEXT NOT NULL,
  role TEXT NOT NULL,
  sender_id TEXT,
  content TEXT NOT NULL,
  created_at TEXT NOT NULL,
  FOREIGN KEY(profile_id) REFERENCES profiles(id)
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_profile_created ON chat_messages(profile_id, created_at);

CREATE TABLE IF NOT EXISTS equity_history (
  id TEXT PRIMARY KEY,
  profile_id TEXT NOT NULL,
  equity REAL NOT NULL,
  recorded_at TEXT NOT NULL,
  FOREIGN KEY(profile_id) REFERENCES profiles(id)
);

CREATE INDEX IF NOT EXISTS idx_equity_history_profile_recorded ON equity_history(profile_id, recorded_at);
`
