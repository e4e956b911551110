package pg

import (
	"context"

	"go.uber.org/zap"
)

// Системные таблицы
const (
	SettingsTable   = "$settings"
	FeatherTable    = "$feather"
	AuthTable       = "$auth"
	RoleMemberTable = "$role_member"
	LogTable        = "$log"
	FeatherOfFunc   = "$feather_of"
	RootTable       = "object"
)

// systemDDL — корневая таблица, системные таблицы, составной тип денег и функция
// дискриминатора. Повторный запуск безопасен.
var systemDDL = []string{
	`create table if not exists "$settings" (
  name text primary key,
  data jsonb not null,
  etag text not null
)`,
	`create table if not exists "$feather" (
  name text primary key,
  table_name text not null unique
)`,
	`create table if not exists "$auth" (
  kind text not null check (kind in ('feather', 'object')),
  target text not null,
  role text not null,
  can_create boolean,
  can_read boolean,
  can_update boolean,
  can_delete boolean,
  primary key (kind, target, role)
)`,
	`create table if not exists "$role_member" (
  role text not null,
  member text not null,
  primary key (role, member)
)`,
	`create table if not exists "$log" (
  _pk bigserial primary key,
  object_id text not null,
  action text not null,
  created timestamp with time zone not null default now(),
  created_by text not null,
  change jsonb not null
)`,
	`create index if not exists "$log_object_id_idx" on "$log" (object_id)`,
	`create type mony as (
  amount numeric,
  currency text,
  effective timestamp with time zone,
  base_amount numeric
)`,
	`create table if not exists object (
  _pk bigserial primary key,
  id text not null unique,
  created timestamp with time zone not null default now(),
  created_by text not null default '',
  updated timestamp with time zone not null default now(),
  updated_by text not null default '',
  is_deleted boolean not null default false,
  lock jsonb
)`,
	`create or replace function "$feather_of"(rel oid) returns text
language sql stable as $$
  select f.name from "$feather" f
  where f.table_name = (select c.relname from pg_class c where c.oid = rel)
$$`,
	`insert into "$feather" (name, table_name) values ('Object', 'object') on conflict do nothing`,
}

// Bootstrap создаёт системную схему. Выполняется вне транзакции: ошибки
// "уже существует" пропускаются по одной.
func Bootstrap(ctx context.Context, q Querier, log *zap.Logger) error {
	return ApplyIdempotent(ctx, q, log, systemDDL)
}
